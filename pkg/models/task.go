package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task status values. Transitions are monotonic along
// pending → running → (succeeded|failed|skipped); terminal states never revert.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// SideEffectLevel classifies how far a task's effects reach.
type SideEffectLevel string

// Side-effect levels. Anything beyond readonly requires an explicit CTA
// confirmation before external effects happen.
const (
	SideEffectReadonly      SideEffectLevel = "readonly"
	SideEffectSoftWrite     SideEffectLevel = "soft_write"
	SideEffectExternalWrite SideEffectLevel = "external_write"
)

// Task is a unit of work spawned by an execution plan.
type Task struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	MessageID       string          `json:"message_id"`
	ExecutionID     string          `json:"execution_id"`
	PackID          string          `json:"pack_id"`
	TaskType        string          `json:"task_type"`
	Status          TaskStatus      `json:"status"`
	Params          map[string]any  `json:"params,omitempty"`
	Result          map[string]any  `json:"result,omitempty"`
	SideEffectLevel SideEffectLevel `json:"side_effect_level"`
	AutoExecute     bool            `json:"auto_execute"`
	RequiresCTA     bool            `json:"requires_cta"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// TimelineItemType is the closed set of UI card types.
type TimelineItemType string

// Timeline item types.
const (
	TimelineItemIntentSeeds  TimelineItemType = "intent_seeds"
	TimelineItemDailyPlan    TimelineItemType = "daily_plan"
	TimelineItemContentDraft TimelineItemType = "content_draft"
	TimelineItemSuggestion   TimelineItemType = "suggestion"
	TimelineItemPendingCard  TimelineItemType = "pending_card"
)

// CTAAction is a single call-to-action attached to a timeline item.
type CTAAction struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	PackID string `json:"pack_id,omitempty"`
}

// TimelineItem is a derived result card projected from tasks and extractions
// into the UI right panel. Items created from tasks with a non-readonly side
// effect level carry at least one explicit confirmation CTA.
type TimelineItem struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	MessageID   string           `json:"message_id,omitempty"`
	TaskID      string           `json:"task_id,omitempty"`
	Type        TimelineItemType `json:"type"`
	Title       string           `json:"title"`
	Summary     string           `json:"summary,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
	CTA         []CTAAction      `json:"cta,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
