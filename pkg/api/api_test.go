package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/hooks"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/orchestrator"
	"github.com/stationd/stationd/pkg/queue"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

type stubTurnService struct {
	routed   []orchestrator.RouteRequest
	routeErr error
	ctaErr   error
	welcomed []string
}

func (s *stubTurnService) Route(_ context.Context, turn *stream.Turn, req orchestrator.RouteRequest) (*orchestrator.RouteResult, error) {
	s.routed = append(s.routed, req)
	turn.Emit(stream.Envelope{Type: stream.EventConnected})
	if s.routeErr != nil {
		turn.Emit(stream.Envelope{Type: stream.EventError, Message: s.routeErr.Error()})
		return nil, s.routeErr
	}
	turn.Emit(stream.Envelope{Type: stream.EventComplete, IsFinal: true})
	return &orchestrator.RouteResult{
		WorkspaceID:      req.WorkspaceID,
		ThreadID:         "t-1",
		AssistantEventID: "e-assistant",
		DisplayEvents:    []*models.Event{},
	}, nil
}

func (s *stubTurnService) ExecuteCTA(_ context.Context, req orchestrator.CTARequest) (*orchestrator.CTAResult, error) {
	if s.ctaErr != nil {
		return nil, s.ctaErr
	}
	return &orchestrator.CTAResult{WorkspaceID: req.WorkspaceID, Status: "succeeded"}, nil
}

func (s *stubTurnService) EnsureWelcome(_ context.Context, workspaceID, _ string) (bool, error) {
	s.welcomed = append(s.welcomed, workspaceID)
	return false, nil
}

type stubSubmitter struct {
	submitted []orchestrator.RouteRequest
}

func (s *stubSubmitter) Submit(_ context.Context, req orchestrator.RouteRequest) (*queue.Accepted, error) {
	s.submitted = append(s.submitted, req)
	return &queue.Accepted{
		Status:      "accepted",
		TaskID:      "task-1",
		EventID:     "evt-1",
		WorkspaceID: req.WorkspaceID,
	}, nil
}

type stubHookService struct {
	requests []hooks.Request
}

func (s *stubHookService) OnChatSynced(_ context.Context, req hooks.Request) *hooks.Results {
	s.requests = append(s.requests, req)
	return &hooks.Results{
		IntentExtract: &hooks.Outcome{
			Ran:     true,
			Summary: map[string]any{"signal_count": 1, "labels": []string{"proposal"}},
		},
		StewardAnalyze: &hooks.Outcome{SkipReason: "hook_disabled"},
	}
}

type testServer struct {
	server     *Server
	store      *store.Memory
	orch       *stubTurnService
	submitter  *stubSubmitter
	hookRunner *stubHookService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	orch := &stubTurnService{}
	submitter := &stubSubmitter{}
	hookRunner := &stubHookService{}
	cfg := &config.Config{AllowedOrigins: []string{"http://localhost:3000"}}
	s := NewServer(slog.Default(), cfg, st, orch, submitter, hookRunner, nil)
	s.pollInterval = 5 * time.Millisecond
	return &testServer{server: s, store: st, orch: orch, submitter: submitter, hookRunner: hookRunner}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func seedEvents(t *testing.T, st *store.Memory, workspaceID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("evt-%02d", i)
		_, err := st.AppendEvent(context.Background(), &models.Event{
			ID:          id,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Actor:       models.ActorUser,
			EventType:   models.EventTypeMessage,
			WorkspaceID: workspaceID,
			Payload:     map[string]any{"content": fmt.Sprintf("message %d", i)},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestChatSyncTurn(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/workspaces/ws-1/chat", map[string]any{
		"message": "hello there",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res orchestrator.RouteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ws-1", res.WorkspaceID)
	assert.Equal(t, "t-1", res.ThreadID)

	require.Len(t, ts.orch.routed, 1)
	assert.Equal(t, "hello there", ts.orch.routed[0].Message)
	assert.Equal(t, "api", ts.orch.routed[0].Channel)
}

func TestChatBackgroundReturns202(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/workspaces/ws-1/chat", map[string]any{
		"message": "long running request",
		"stream":  true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var acc queue.Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "accepted", acc.Status)
	assert.Equal(t, "task-1", acc.TaskID)
	assert.Equal(t, "ws-1", acc.WorkspaceID)

	require.Len(t, ts.submitter.submitted, 1)
	assert.Empty(t, ts.orch.routed)
}

func TestChatCTAAction(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/workspaces/ws-1/chat", map[string]any{
		"timeline_item_id": "item-1",
		"action":           "execute_task",
		"confirm":          true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res orchestrator.CTAResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "succeeded", res.Status)
	assert.Empty(t, ts.orch.routed)
}

func TestChatCTANotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.orch.ctaErr = fmt.Errorf("timeline item item-9: %w", store.ErrNotFound)

	rec := ts.do(t, http.MethodPost, "/workspaces/ws-1/chat", map[string]any{
		"timeline_item_id": "item-9",
		"action":           "execute_task",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatSuggestionActionRoutesAsTurn(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/workspaces/ws-1/chat", map[string]any{
		"action":        "Draft a proposal for a new client",
		"action_params": map[string]any{},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, ts.orch.routed, 1)
	assert.Equal(t, "Draft a proposal for a new client", ts.orch.routed[0].Message)
}

func TestChatRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/workspaces/ws-1/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsPagination(t *testing.T) {
	ts := newTestServer(t)
	seedEvents(t, ts.store, "ws-1", 5)

	rec := ts.do(t, http.MethodGet, "/workspaces/ws-1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ws-1", res.WorkspaceID)
	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Events, 2)
	assert.True(t, res.HasMore)
	// Newest page, still chronological.
	assert.Equal(t, "evt-03", res.Events[0].ID)
	assert.Equal(t, "evt-04", res.Events[1].ID)

	// The unfiltered initial load triggers welcome generation.
	assert.Equal(t, []string{"ws-1"}, ts.orch.welcomed)
}

func TestEventsCursor(t *testing.T) {
	ts := newTestServer(t)
	seedEvents(t, ts.store, "ws-1", 5)

	rec := ts.do(t, http.MethodGet, "/workspaces/ws-1/events?limit=2&before_id=evt-03", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Events, 2)
	assert.Equal(t, "evt-01", res.Events[0].ID)
	assert.Equal(t, "evt-02", res.Events[1].ID)
	// Cursor loads skip welcome generation.
	assert.Empty(t, ts.orch.welcomed)
}

func TestEventsRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/workspaces/ws-1/events?event_types=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimelineEnrichment(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, ts.store.CreateTask(ctx, &models.Task{
		ID: "task-1", WorkspaceID: "ws-1", ExecutionID: "exec-1",
		PackID: "content_drafting", TaskType: "draft_content",
		Status: models.TaskStatusSucceeded, CreatedAt: started, StartedAt: &started,
	}))
	require.NoError(t, ts.store.CreateTimelineItem(ctx, &models.TimelineItem{
		ID: "item-1", WorkspaceID: "ws-1", TaskID: "task-1",
		Type: models.TimelineItemSuggestion, Title: "Run draft_content", CreatedAt: started,
	}))
	require.NoError(t, ts.store.CreateTimelineItem(ctx, &models.TimelineItem{
		ID: "item-2", WorkspaceID: "ws-1",
		Type: models.TimelineItemIntentSeeds, Title: "Detected intents", CreatedAt: started,
	}))

	rec := ts.do(t, http.MethodGet, "/workspaces/ws-1/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Items, 2)

	byID := map[string]map[string]any{}
	for _, item := range res.Items {
		byID[item["id"].(string)] = item
	}
	withTask := byID["item-1"]
	assert.Equal(t, true, withTask["has_execution_context"])
	assert.Equal(t, "exec-1", withTask["execution_id"])
	assert.Equal(t, "succeeded", withTask["task_status"])

	withoutTask := byID["item-2"]
	assert.Equal(t, false, withoutTask["has_execution_context"])
	_, hasExec := withoutTask["execution_id"]
	assert.False(t, hasExec)
}

func TestHealthWithoutDB(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestEventStreamReplaysAndResumes(t *testing.T) {
	ts := newTestServer(t)
	seedEvents(t, ts.store, "ws-1", 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/workspaces/ws-1/events/stream?last_event_id=evt-00", nil)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotContains(t, body, "id: evt-00")
	assert.Contains(t, body, "id: evt-01")
	assert.Contains(t, body, "id: evt-02")
	assert.Contains(t, body, "event: message")
	assert.Contains(t, body, `"content":"message 1"`)
}

func TestStreamCursorEvictsDeliveredHistory(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mkEvent := func(id string, ts time.Time) *models.Event {
		return &models.Event{ID: id, Timestamp: ts}
	}

	c := newStreamCursor(nil)
	c.mark(mkEvent("evt-a", base))
	c.mark(mkEvent("evt-b", base))
	c.mark(mkEvent("evt-c", base.Add(time.Second)))

	require.NotNil(t, c.since)
	assert.Equal(t, base.Add(time.Second), *c.since)
	assert.True(t, c.delivered("evt-a"))

	// Polls list from the cursor inclusively, so only ids at the cursor
	// timestamp survive compaction; earlier ones can never be listed again.
	c.compact()
	assert.False(t, c.delivered("evt-a"))
	assert.False(t, c.delivered("evt-b"))
	assert.True(t, c.delivered("evt-c"))
	assert.Len(t, c.seen, 1)
}

func TestChatSyncedHook(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/workspaces/ws-1/hooks/chat-synced", map[string]any{
		"message":    "I want to draft a proposal",
		"message_id": "msg-1",
		"profile_id": "profile-1",
		"trace_id":   "trace-1",
		"receipts": []map[string]any{
			{"step": "steward_analyze", "trace_id": "trace-1"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res hooks.Results
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.IntentExtract)
	assert.True(t, res.IntentExtract.Ran)

	require.Len(t, ts.hookRunner.requests, 1)
	got := ts.hookRunner.requests[0]
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, "msg-1", got.MessageID)
	assert.Equal(t, "trace-1", got.TraceID)
	require.Len(t, got.Receipts, 1)
	assert.Equal(t, "steward_analyze", got.Receipts[0].Step)
}

func TestChatSyncedHookRequiresMessageID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/workspaces/ws-1/hooks/chat-synced", map[string]any{
		"message": "missing message id",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.hookRunner.requests)
}

func TestEventStreamRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/workspaces/ws-1/events/stream?event_types=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
