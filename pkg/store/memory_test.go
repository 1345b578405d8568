package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/pkg/models"
)

func TestMemory_AppendEvent_MonotonicTimestamps(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.AppendEvent(ctx, &models.Event{
		ID:          "evt-1",
		Timestamp:   base,
		Actor:       models.ActorUser,
		EventType:   models.EventTypeMessage,
		WorkspaceID: "ws-1",
	})
	require.NoError(t, err)

	// A second event carrying an earlier clock reading must not go backwards.
	_, err = s.AppendEvent(ctx, &models.Event{
		ID:          "evt-2",
		Timestamp:   base.Add(-time.Second),
		Actor:       models.ActorAssistant,
		EventType:   models.EventTypeMessage,
		WorkspaceID: "ws-1",
	})
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, EventQuery{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, "evt-2", events[1].ID)
	assert.True(t, events[1].Timestamp.After(events[0].Timestamp),
		"second event timestamp must be strictly after the first")
}

func TestMemory_AppendEvent_IndependentWorkspaces(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.AppendEvent(ctx, &models.Event{
		ID: "a-1", Timestamp: base, Actor: models.ActorUser,
		EventType: models.EventTypeMessage, WorkspaceID: "ws-a",
	})
	require.NoError(t, err)

	// Other workspaces are not affected by ws-a's high-water mark.
	evt := &models.Event{
		ID: "b-1", Timestamp: base.Add(-time.Hour), Actor: models.ActorUser,
		EventType: models.EventTypeMessage, WorkspaceID: "ws-b",
	}
	_, err = s.AppendEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, base.Add(-time.Hour), evt.Timestamp)
}

func TestMemory_ListEvents_Filters(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		id        string
		eventType models.EventType
		threadID  string
	}{
		{"e1", models.EventTypeMessage, "th-1"},
		{"e2", models.EventTypePipelineStage, "th-1"},
		{"e3", models.EventTypeMessage, "th-2"},
		{"e4", models.EventTypeTaskUpdate, "th-1"},
	}
	for i, row := range seed {
		_, err := s.AppendEvent(ctx, &models.Event{
			ID:          row.id,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			Actor:       models.ActorSystem,
			EventType:   row.eventType,
			WorkspaceID: "ws-1",
			ThreadID:    row.threadID,
		})
		require.NoError(t, err)
	}

	byThread, err := s.ListEvents(ctx, EventQuery{WorkspaceID: "ws-1", ThreadID: "th-1"})
	require.NoError(t, err)
	assert.Len(t, byThread, 3)

	byType, err := s.ListEvents(ctx, EventQuery{
		WorkspaceID: "ws-1",
		Types:       []models.EventType{models.EventTypeMessage},
	})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	// Cursor: strictly older than e3, newest Limit rows, chronological order.
	paged, err := s.ListEvents(ctx, EventQuery{WorkspaceID: "ws-1", BeforeID: "e3", Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "e2", paged[0].ID)
}

func TestMemory_PruneEvents_KeepsMessages(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.AppendEvent(ctx, &models.Event{
		ID: "old-msg", Timestamp: old, Actor: models.ActorUser,
		EventType: models.EventTypeMessage, WorkspaceID: "ws-1",
	})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, &models.Event{
		ID: "old-stage", Timestamp: old.Add(time.Second), Actor: models.ActorSystem,
		EventType: models.EventTypePipelineStage, WorkspaceID: "ws-1",
	})
	require.NoError(t, err)

	removed, err := s.PruneEvents(ctx, old.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	events, err := s.ListEvents(ctx, EventQuery{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "old-msg", events[0].ID)
}

func TestMemory_UpdateTaskStatus_Monotonic(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &models.Task{
		ID:          "task-1",
		WorkspaceID: "ws-1",
		PackID:      "research",
		TaskType:    "web_search",
	}))

	require.NoError(t, s.UpdateTaskStatus(ctx, "task-1", models.TaskStatusRunning, TaskStatusUpdate{}))
	require.NoError(t, s.UpdateTaskStatus(ctx, "task-1", models.TaskStatusSucceeded, TaskStatusUpdate{
		Result: map[string]any{"hits": float64(3)},
	}))

	// Terminal status is immutable; later writes are ignored without error.
	require.NoError(t, s.UpdateTaskStatus(ctx, "task-1", models.TaskStatusFailed, TaskStatusUpdate{
		Error: "late failure",
	}))

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Empty(t, task.Error)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, map[string]any{"hits": float64(3)}, task.Result)
}

func TestMemory_UpdateTaskStatus_UnknownTask(t *testing.T) {
	s := NewMemory()
	err := s.UpdateTaskStatus(context.Background(), "nope", models.TaskStatusRunning, TaskStatusUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_CreateHookRun_DuplicateKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	run := &models.HookRun{
		IdempotencyKey: "abc123",
		HookType:       "intent_extract",
		WorkspaceID:    "ws-1",
		Status:         models.HookRunCompleted,
		ResultSummary:  map[string]any{"signals": float64(2)},
	}
	require.NoError(t, s.CreateHookRun(ctx, run))

	err := s.CreateHookRun(ctx, &models.HookRun{
		IdempotencyKey: "abc123",
		HookType:       "intent_extract",
		WorkspaceID:    "ws-1",
		Status:         models.HookRunFailed,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	stored, err := s.GetHookRun(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.HookRunCompleted, stored.Status)
}

func TestMemory_Threads(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateThread(ctx, &models.Thread{
		ID: "th-1", WorkspaceID: "ws-1", IsDefault: true,
	}))

	// Only one default thread per workspace.
	err := s.CreateThread(ctx, &models.Thread{
		ID: "th-2", WorkspaceID: "ws-1", IsDefault: true,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	def, err := s.GetDefaultThread(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "th-1", def.ID)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchThread(ctx, "th-1", at))
	require.NoError(t, s.UpdateThreadTitle(ctx, "th-1", "Quarterly planning"))

	got, err := s.GetThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly planning", got.Title)
	assert.Equal(t, 1, got.MessageCount)
	assert.Equal(t, at, got.LastMessageAt)
}

func TestMemory_IntentCards_QueryFilters(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	cards := []*models.IntentCard{
		{ID: "c1", ProfileID: "p1", Title: "Ship v2", Status: models.IntentCardActive, Priority: models.PriorityHigh},
		{ID: "c2", ProfileID: "p1", Title: "Learn Rust", Status: models.IntentCardPaused, Priority: models.PriorityLow},
		{ID: "c3", ProfileID: "p1", Title: "Hire SRE", Status: models.IntentCardActive, Priority: models.PriorityMedium},
		{ID: "c4", ProfileID: "p2", Title: "Other profile", Status: models.IntentCardActive, Priority: models.PriorityHigh},
	}
	for _, c := range cards {
		require.NoError(t, s.CreateIntentCard(ctx, c))
	}

	active, err := s.ListIntentCards(ctx, IntentCardQuery{
		ProfileID:  "p1",
		Statuses:   []models.IntentCardStatus{models.IntentCardActive},
		Priorities: []models.IntentPriority{models.PriorityHigh, models.PriorityMedium},
	})
	require.NoError(t, err)
	assert.Len(t, active, 2)
	for _, c := range active {
		assert.Equal(t, "p1", c.ProfileID)
		assert.Equal(t, models.IntentCardActive, c.Status)
	}
}

func TestMemory_UserPlaybooks_Upsert(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	run := &models.PlaybookRun{
		Playbook: models.Playbook{
			PlaybookMetadata: models.PlaybookMetadata{
				PlaybookCode: "weekly_report",
				Name:         "Weekly report",
				Kind:         models.PlaybookKindUserWorkflow,
			},
		},
		Body: "# Weekly report\n",
	}
	require.NoError(t, s.UpsertUserPlaybook(ctx, "ws-1", "en", run))

	run.Name = "Weekly status report"
	require.NoError(t, s.UpsertUserPlaybook(ctx, "ws-1", "en", run))

	listed, err := s.ListUserPlaybooks(ctx, "ws-1", "en")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Weekly status report", listed[0].Name)
	assert.Equal(t, models.PlaybookSourceUser, listed[0].Source)
}

func TestMemory_Settings(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.GetWorkspaceSetting(ctx, "ws-1", "auto_intent_layout")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetWorkspaceSetting(ctx, "ws-1", "auto_intent_layout", true))
	v, err := s.GetWorkspaceSetting(ctx, "ws-1", "auto_intent_layout")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	require.NoError(t, s.SetSystemSetting(ctx, "retention_days", 30))
	v, err = s.GetSystemSetting(ctx, "retention_days")
	require.NoError(t, err)
	assert.Equal(t, 30, v)
}
