// Package models defines the domain types shared across the orchestration
// core: events, threads, tasks, timeline items, playbooks, execution plans,
// intent cards and the hook/receipt ledger records.
package models

import "time"

// Actor identifies who produced an event.
type Actor string

// Actor values.
const (
	ActorUser      Actor = "user"
	ActorAssistant Actor = "assistant"
	ActorSystem    Actor = "system"
)

// EventType is the closed set of domain event types.
type EventType string

// Event types persisted in the event log.
const (
	EventTypeMessage          EventType = "message"
	EventTypeIntentCreated    EventType = "intent_created"
	EventTypeIntentExtracted  EventType = "intent_extracted"
	EventTypePipelineStage    EventType = "pipeline_stage"
	EventTypeExecutionPlan    EventType = "execution_plan"
	EventTypeTaskUpdate       EventType = "task_update"
	EventTypeAgentExecution   EventType = "agent_execution"
	EventTypeArtifactCreated  EventType = "artifact_created"
	EventTypeDecisionRequired EventType = "decision_required"
	EventTypeRunStateChanged  EventType = "run_state_changed"
	EventTypeReceiptAccepted  EventType = "receipt_accepted"
	EventTypeReceiptRejected  EventType = "receipt_rejected"
)

// KnownEventTypes lists every event type the core understands. Events carrying
// other types are stored and surfaced with an opaque payload.
var KnownEventTypes = []EventType{
	EventTypeMessage,
	EventTypeIntentCreated,
	EventTypeIntentExtracted,
	EventTypePipelineStage,
	EventTypeExecutionPlan,
	EventTypeTaskUpdate,
	EventTypeAgentExecution,
	EventTypeArtifactCreated,
	EventTypeDecisionRequired,
	EventTypeRunStateChanged,
	EventTypeReceiptAccepted,
	EventTypeReceiptRejected,
}

// Event is the single append-only record of the workspace event log.
// Events are never mutated after write; corrections are new events.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       Actor          `json:"actor"`
	EventType   EventType      `json:"event_type"`
	WorkspaceID string         `json:"workspace_id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	ProfileID   string         `json:"profile_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	EntityIDs   []string       `json:"entity_ids,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Thread is a conversation slice within a workspace. Exactly one thread per
// workspace has IsDefault set.
type Thread struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Title         string    `json:"title"`
	IsDefault     bool      `json:"is_default"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}
