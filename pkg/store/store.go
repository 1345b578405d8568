// Package store defines the typed persistence surface the orchestration core
// consumes, plus its PostgreSQL and in-memory implementations.
//
// The event log is append-only: events are never mutated after write and
// timestamps are monotonic per workspace. Task status transitions are
// monotonic along pending → running → terminal; writes to a terminal task
// status are ignored. The hook-run ledger enforces a uniqueness constraint on
// the idempotency key; contention resolves in favour of the first writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stationd/stationd/pkg/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey indicates an insert conflicted with an existing key.
	ErrDuplicateKey = errors.New("duplicate key")
)

// EventQuery filters an event log read. Zero values are ignored.
type EventQuery struct {
	WorkspaceID string
	ThreadID    string
	Types       []models.EventType
	StartTime   *time.Time
	EndTime     *time.Time
	Limit       int
	BeforeID    string // cursor: only events strictly older than this event
}

// EventLog is the append-only domain event log.
type EventLog interface {
	// AppendEvent durably appends an event and returns its id. The stored
	// timestamp is adjusted forward if necessary so that timestamps are
	// non-decreasing within the workspace.
	AppendEvent(ctx context.Context, evt *models.Event) (string, error)

	// GetEvent returns one event by id, or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*models.Event, error)

	// ListEvents returns matching events in chronological order.
	ListEvents(ctx context.Context, q EventQuery) ([]*models.Event, error)

	// CountEvents returns the number of events matching the query,
	// ignoring Limit and BeforeID.
	CountEvents(ctx context.Context, q EventQuery) (int, error)

	// CountMessagesByThread counts message events in a thread.
	CountMessagesByThread(ctx context.Context, workspaceID, threadID string) (int, error)

	// PruneEvents deletes non-message events older than the cutoff and
	// returns the number removed.
	PruneEvents(ctx context.Context, olderThan time.Time) (int, error)
}

// ThreadStore manages conversation threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, t *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	// GetDefaultThread returns the workspace's default thread, or ErrNotFound.
	GetDefaultThread(ctx context.Context, workspaceID string) (*models.Thread, error)
	UpdateThreadTitle(ctx context.Context, id, title string) error
	// TouchThread bumps last_message_at and increments message_count.
	TouchThread(ctx context.Context, id string, at time.Time) error
}

// TaskStatusUpdate carries the optional fields of a task status change.
type TaskStatusUpdate struct {
	Result      map[string]any
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskStore manages task lifecycle records.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTasksByExecutionID(ctx context.Context, executionID string) ([]*models.Task, error)
	ListPendingTasks(ctx context.Context, workspaceID string) ([]*models.Task, error)
	ListRunningTasks(ctx context.Context, workspaceID string) ([]*models.Task, error)

	// UpdateTaskStatus applies a monotonic status transition. Writes against
	// a task already in a terminal status are ignored (nil error, no change).
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, upd TaskStatusUpdate) error
}

// TimelineStore manages derived UI result cards.
type TimelineStore interface {
	CreateTimelineItem(ctx context.Context, item *models.TimelineItem) error
	GetTimelineItem(ctx context.Context, id string) (*models.TimelineItem, error)
	ListTimelineByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*models.TimelineItem, error)
	ListTimelineByMessage(ctx context.Context, messageID string) ([]*models.TimelineItem, error)
	UpdateTimelineItem(ctx context.Context, itemID string, data map[string]any, cta []models.CTAAction) error
}

// HookRunStore is the idempotency ledger.
type HookRunStore interface {
	GetHookRun(ctx context.Context, idempotencyKey string) (*models.HookRun, error)
	// CreateHookRun inserts a ledger row; returns ErrDuplicateKey when the
	// key already exists (first writer wins).
	CreateHookRun(ctx context.Context, run *models.HookRun) error
}

// IntentCardQuery filters intent card listings.
type IntentCardQuery struct {
	ProfileID  string
	Statuses   []models.IntentCardStatus
	Priorities []models.IntentPriority
	Limit      int
}

// IntentStore manages intent cards, signals, and decision logs.
type IntentStore interface {
	CreateIntentCard(ctx context.Context, card *models.IntentCard) error
	GetIntentCard(ctx context.Context, id string) (*models.IntentCard, error)
	UpdateIntentCard(ctx context.Context, card *models.IntentCard) error
	ListIntentCards(ctx context.Context, q IntentCardQuery) ([]*models.IntentCard, error)

	CreateIntentSignal(ctx context.Context, sig *models.IntentSignal) error
	// ListCandidateSignals returns candidate signals created at or after
	// since, newest first.
	ListCandidateSignals(ctx context.Context, workspaceID string, since time.Time) ([]*models.IntentSignal, error)
	UpdateSignalStatus(ctx context.Context, signalID string, status models.SignalStatus) error

	CreateIntentLog(ctx context.Context, log *models.IntentLog) error
	ListIntentLogs(ctx context.Context, workspaceID string, limit int) ([]*models.IntentLog, error)
	// SetIntentLogOverride attaches an evaluation-tooling override to a log.
	SetIntentLogOverride(ctx context.Context, logID string, override map[string]any) error
}

// PlaybookStore manages user-defined playbook rows.
type PlaybookStore interface {
	ListUserPlaybooks(ctx context.Context, workspaceID, locale string) ([]*models.PlaybookRun, error)
	UpsertUserPlaybook(ctx context.Context, workspaceID, locale string, run *models.PlaybookRun) error
}

// SettingsStore holds system- and workspace-scoped settings.
type SettingsStore interface {
	GetSystemSetting(ctx context.Context, key string) (any, error)
	SetSystemSetting(ctx context.Context, key string, value any) error
	GetWorkspaceSetting(ctx context.Context, workspaceID, key string) (any, error)
	SetWorkspaceSetting(ctx context.Context, workspaceID, key string, value any) error
}

// Store is the complete persistence surface.
type Store interface {
	EventLog
	ThreadStore
	TaskStore
	TimelineStore
	HookRunStore
	IntentStore
	PlaybookStore
	SettingsStore
}
