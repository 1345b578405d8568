package models

import "time"

// IntentCardStatus is the lifecycle state of a long-lived intent card.
type IntentCardStatus string

// Intent card statuses.
const (
	IntentCardActive    IntentCardStatus = "active"
	IntentCardPaused    IntentCardStatus = "paused"
	IntentCardCompleted IntentCardStatus = "completed"
	IntentCardArchived  IntentCardStatus = "archived"
)

// IntentPriority orders intent cards by urgency.
type IntentPriority string

// Intent priorities.
const (
	PriorityLow      IntentPriority = "low"
	PriorityMedium   IntentPriority = "medium"
	PriorityHigh     IntentPriority = "high"
	PriorityCritical IntentPriority = "critical"
)

// IntentCard is a long-lived user goal owned by a profile. Workspaces
// reference cards by id; parent/child links are weak back-references.
type IntentCard struct {
	ID                 string           `json:"id"`
	ProfileID          string           `json:"profile_id"`
	Title              string           `json:"title"`
	Description        string           `json:"description,omitempty"`
	Status             IntentCardStatus `json:"status"`
	Priority           IntentPriority   `json:"priority"`
	Tags               []string         `json:"tags,omitempty"`
	Category           string           `json:"category,omitempty"`
	ProgressPercentage int              `json:"progress_percentage"`
	ParentIntentID     string           `json:"parent_intent_id,omitempty"`
	ChildIntentIDs     []string         `json:"child_intent_ids,omitempty"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SignalSource identifies the producer of an intent signal.
type SignalSource string

// Signal sources.
const (
	SignalSourceWSHook       SignalSource = "ws_hook"
	SignalSourceMCPSampling  SignalSource = "mcp_sampling"
	SignalSourceFileUpload   SignalSource = "file_upload"
	SignalSourceLLMExtractor SignalSource = "llm_extractor"
	SignalSourceRule         SignalSource = "rule"
)

// SignalStatus is the triage state of an intent signal.
type SignalStatus string

// Signal statuses.
const (
	SignalCandidate SignalStatus = "candidate"
	SignalAccepted  SignalStatus = "accepted"
	SignalIgnored   SignalStatus = "ignored"
)

// IntentSignal is a transient, low-commitment observation of user intent.
// Labels are trimmed free text between 3 and 200 characters.
type IntentSignal struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	ProfileID   string       `json:"profile_id"`
	Label       string       `json:"label"`
	Confidence  float64      `json:"confidence"`
	Source      SignalSource `json:"source"`
	MessageID   string       `json:"message_id,omitempty"`
	Status      SignalStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

// IntentOperationType distinguishes layout plan operations.
type IntentOperationType string

// Intent operation types.
const (
	IntentOpCreate IntentOperationType = "CREATE_INTENT_CARD"
	IntentOpUpdate IntentOperationType = "UPDATE_INTENT_CARD"
)

// IntentOperation is one proposed mutation of the intent card set.
type IntentOperation struct {
	Type            IntentOperationType `json:"type"`
	IntentID        string              `json:"intent_id,omitempty"`
	Data            map[string]any      `json:"data"`
	RelationSignals []string            `json:"relation_signals,omitempty"`
	Confidence      float64             `json:"confidence"`
	Reasoning       string              `json:"reasoning,omitempty"`
}

// SignalMapping records what the steward decided for a single signal.
type SignalMapping struct {
	SignalID       string `json:"signal_id"`
	Action         string `json:"action"`
	TargetIntentID string `json:"target_intent_id,omitempty"`
	Reasoning      string `json:"reasoning,omitempty"`
}

// IntentLayoutPlan is the steward's proposed mutations to the intent card
// set. At most 3 creates and 5 updates per plan.
type IntentLayoutPlan struct {
	LongTermIntents []IntentOperation `json:"long_term_intents"`
	EphemeralTasks  []string          `json:"ephemeral_tasks,omitempty"`
	SignalMapping   []SignalMapping   `json:"signal_mapping,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// Caps on layout plan operations.
const (
	MaxLayoutCreates = 3
	MaxLayoutUpdates = 5
)

// CountOps returns the number of create and update operations in the plan.
func (p *IntentLayoutPlan) CountOps() (creates, updates int) {
	for _, op := range p.LongTermIntents {
		switch op.Type {
		case IntentOpCreate:
			creates++
		case IntentOpUpdate:
			updates++
		}
	}
	return creates, updates
}

// IntentLog is the append-only decision record written for every pipeline
// analysis and steward run. It feeds offline accuracy evaluation.
type IntentLog struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	ProfileID     string         `json:"profile_id"`
	RawInput      string         `json:"raw_input"`
	Channel       string         `json:"channel"`
	PipelineSteps map[string]any `json:"pipeline_steps,omitempty"`
	FinalDecision map[string]any `json:"final_decision,omitempty"`
	UserOverride  map[string]any `json:"user_override,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
