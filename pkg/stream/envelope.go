// Package stream implements the streaming turn executor: a strictly ordered
// sequence of typed SSE envelopes per turn, prompt budgeting against the
// model's input window, and provider dispatch with a chunked fallback for
// providers that cannot stream.
package stream

import (
	"sync"

	"github.com/stationd/stationd/pkg/models"
)

// EventType is the closed set of SSE envelope types.
type EventType string

// Envelope types, in their within-turn order.
const (
	EventConnected             EventType = "connected"
	EventUserMessage           EventType = "user_message"
	EventPipelineStage         EventType = "pipeline_stage"
	EventExecutionPlan         EventType = "execution_plan"
	EventTaskUpdate            EventType = "task_update"
	EventChunk                 EventType = "chunk"
	EventExecutionResults      EventType = "execution_results"
	EventQuickResponseComplete EventType = "quick_response_complete"
	EventAgentModeParsed       EventType = "agent_mode_parsed"
	EventAgentModeExecuted     EventType = "agent_mode_playbook_executed"
	EventExecutionModeExecuted EventType = "execution_mode_playbook_executed"
	EventPlaybookTriggered     EventType = "playbook_triggered"
	EventComplete              EventType = "complete"
	EventError                 EventType = "error"
)

// Pipeline stage names carried by pipeline_stage envelopes.
const (
	StageIntentExtraction  = "intent_extraction"
	StageContextBuilding   = "context_building"
	StagePlaybookSelection = "playbook_selection"
	StageExecutionStart    = "execution_start"
	StageTaskAssignment    = "task_assignment"
	StageNoPlaybookFound   = "no_playbook_found"
	StageNoActionNeeded    = "no_action_needed"
	StageExecutionError    = "execution_error"
)

// Task update kinds carried by task_update envelopes.
const (
	TaskEventCreated   = "created"
	TaskEventStarted   = "started"
	TaskEventSucceeded = "succeeded"
	TaskEventFailed    = "failed"
	TaskEventSkipped   = "skipped"
)

// Envelope is one typed SSE event. Only the fields matching Type are set.
type Envelope struct {
	Type EventType `json:"type"`

	WorkspaceID string `json:"workspace_id,omitempty"`
	EventID     string `json:"event_id,omitempty"`

	RunID    string         `json:"run_id,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Plan *models.ExecutionPlan `json:"plan,omitempty"`

	TaskEvent string       `json:"event_type,omitempty"`
	Task      *models.Task `json:"task,omitempty"`

	ExecutedTasks   []*models.Task         `json:"executed_tasks,omitempty"`
	SuggestionCards []*models.TimelineItem `json:"suggestion_cards,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`

	Part1           string            `json:"part1,omitempty"`
	Part2           string            `json:"part2,omitempty"`
	ExecutableTasks []models.TaskPlan `json:"executable_tasks,omitempty"`

	PlaybookCode string         `json:"playbook_code,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Tasks        []*models.Task `json:"tasks,omitempty"`

	ContextTokens int  `json:"context_tokens,omitempty"`
	IsFinal       bool `json:"is_final,omitempty"`
}

// turn phases, ordered. Emissions may only move the phase forward.
const (
	phaseStart = iota
	phaseConnected
	phaseUserMessage
	phaseStages
	phasePlanned
	phaseExecuting
	phaseResults
	phaseDispatched
	phaseDone
)

// minPhase maps each envelope type to the earliest phase it may appear in
// and the phase the turn moves to after emitting it.
var phaseTable = map[EventType]struct{ min, next int }{
	EventConnected:             {phaseStart, phaseConnected},
	EventUserMessage:           {phaseConnected, phaseUserMessage},
	EventPipelineStage:         {phaseUserMessage, phaseStages},
	EventExecutionPlan:         {phaseUserMessage, phasePlanned},
	EventTaskUpdate:            {phaseUserMessage, phaseExecuting},
	EventChunk:                 {phaseUserMessage, phaseExecuting},
	EventQuickResponseComplete: {phaseUserMessage, phaseExecuting},
	EventExecutionResults:      {phaseUserMessage, phaseResults},
	EventAgentModeParsed:       {phaseUserMessage, phaseDispatched},
	EventAgentModeExecuted:     {phaseUserMessage, phaseDispatched},
	EventExecutionModeExecuted: {phaseUserMessage, phaseDispatched},
	EventPlaybookTriggered:     {phaseUserMessage, phaseDispatched},
	EventComplete:              {phaseConnected, phaseDone},
	EventError:                 {phaseStart, phaseDone},
}

// backwardCap prevents an earlier-class envelope from reappearing after a
// later class: a pipeline_stage after the plan, a plan after task activity,
// a second dispatch marker, and anything after complete or error.
var backwardCap = map[EventType]int{
	EventConnected:             phaseStart,
	EventUserMessage:           phaseConnected,
	EventPipelineStage:         phaseStages,
	EventExecutionPlan:         phaseStages,
	EventTaskUpdate:            phaseExecuting,
	EventChunk:                 phaseExecuting,
	EventQuickResponseComplete: phaseExecuting,
	EventExecutionResults:      phaseResults,
	EventAgentModeParsed:       phaseResults,
	EventAgentModeExecuted:     phaseResults,
	EventExecutionModeExecuted: phaseResults,
	EventPlaybookTriggered:     phaseResults,
	EventComplete:              phaseResults + 1,
	EventError:                 phaseResults + 1,
}

// Turn is the per-turn envelope emitter. It enforces the within-turn total
// order; out-of-order or post-terminal emissions are dropped. Safe for
// concurrent use.
type Turn struct {
	mu    sync.Mutex
	phase int
	ch    chan Envelope
}

// NewTurn opens a turn with a buffered envelope channel.
func NewTurn(buffer int) *Turn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Turn{ch: make(chan Envelope, buffer)}
}

// Events is the ordered envelope sequence. It is closed after complete or
// error.
func (t *Turn) Events() <-chan Envelope { return t.ch }

// Emit sends one envelope if the ordering contract allows it. It reports
// whether the envelope was accepted.
func (t *Turn) Emit(env Envelope) bool {
	rule, ok := phaseTable[env.Type]
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase >= phaseDone || t.phase < rule.min || t.phase > backwardCap[env.Type] {
		return false
	}
	if rule.next > t.phase {
		t.phase = rule.next
	}

	t.ch <- env
	if env.Type == EventComplete || env.Type == EventError {
		close(t.ch)
	}
	return true
}

// Abandon closes the stream without a terminal envelope. Used on client
// disconnect, where the contract forbids further events.
func (t *Turn) Abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase < phaseDone {
		t.phase = phaseDone
		close(t.ch)
	}
}
