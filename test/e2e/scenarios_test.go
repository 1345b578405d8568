package e2e

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReportsDatabase(t *testing.T) {
	app := NewTestApp(t)

	health := app.getJSON(t, "/healthz", http.StatusOK)
	assert.Equal(t, "healthy", health["status"])
	assert.NotNil(t, health["open_connections"])
}

func TestInitialEventsLoadWritesWelcomeOnce(t *testing.T) {
	app := NewTestApp(t)
	ws := newWorkspaceID()

	page := app.GetEvents(t, ws, "")
	require.EqualValues(t, 1, page["total"])
	events := eventList(page)
	require.Len(t, events, 1)
	assert.Equal(t, "assistant", events[0]["actor"])
	payload, ok := events[0]["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, payload["is_welcome"])

	// The welcome is written once; a reload only reads.
	page = app.GetEvents(t, ws, "")
	assert.EqualValues(t, 1, page["total"])
}

func TestChatTurnPersistsConversation(t *testing.T) {
	const reply = "Here is an overview of what I can help with."
	provider := NewScriptedProvider().AddStream(reply)
	app := NewTestApp(t, WithProvider(provider))
	ws := newWorkspaceID()

	res := app.PostChat(t, ws, map[string]any{
		"message":    "What can you help me with?",
		"profile_id": "profile-1",
	}, http.StatusOK)

	assert.Equal(t, ws, res["workspace_id"])
	assert.NotEmpty(t, res["thread_id"])
	assert.NotEmpty(t, res["user_event_id"])
	assert.NotEmpty(t, res["assistant_event_id"])

	// Both sides of the exchange are durable.
	page := app.GetEvents(t, ws, "event_types=message")
	events := eventList(page)
	require.Len(t, events, 2)
	assert.Equal(t, "user", events[0]["actor"])
	assert.Equal(t, "assistant", events[1]["actor"])
	payload, ok := events[1]["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, reply, payload["content"])

	assert.GreaterOrEqual(t, provider.StreamCalls(), 1)
}

func TestPlaybookTurnSelectsBuiltin(t *testing.T) {
	provider := NewScriptedProvider().
		AddCompletion(`{"task_domain": "project_planning", "confidence": 0.9}`).
		AddCompletion(`{"playbook_code": "project_planning"}`).
		AddCompletion(`{"multi_step": false}`).
		AddStream("Let's shape the project plan. What is the goal?")
	app := NewTestApp(t, WithProvider(provider))
	ws := newWorkspaceID()

	res := app.PostChat(t, ws, map[string]any{
		"message":    "/start a project plan",
		"profile_id": "profile-1",
	}, http.StatusOK)

	triggered, ok := res["triggered_playbook"].(map[string]any)
	require.True(t, ok, "playbook turn should report the triggered playbook")
	assert.Equal(t, "project_planning", triggered["playbook_code"])
	assert.NotEmpty(t, res["assistant_event_id"])

	page := app.GetEvents(t, ws, "event_types=message")
	events := eventList(page)
	require.Len(t, events, 2)
	payload, ok := events[1]["payload"].(map[string]any)
	require.True(t, ok)
	content, _ := payload["content"].(string)
	assert.True(t, strings.HasPrefix(content, "Let's shape the project plan."))
}

func TestBackgroundTurnStreamsToEventLog(t *testing.T) {
	app := NewTestApp(t)
	ws := newWorkspaceID()

	acc := app.PostChat(t, ws, map[string]any{
		"message":    "Summarize my week for me please",
		"profile_id": "profile-1",
		"stream":     true,
	}, http.StatusAccepted)
	assert.Equal(t, "accepted", acc["status"])
	assert.NotEmpty(t, acc["task_id"])
	assert.NotEmpty(t, acc["event_id"])

	// The turn runs detached; its messages land in the event log.
	app.WaitForAssistantMessage(t, ws)

	page := app.GetEvents(t, ws, "event_types=run_state_changed")
	events := eventList(page)
	require.Len(t, events, 1)
	payload, ok := events[0]["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "accepted", payload["status"])
	assert.Equal(t, acc["task_id"], payload["task_id"])

	// The live feed replays the settled conversation in order.
	streamed := app.CollectStreamEvents(t, ws, "event_types=message", 2, 15*time.Second)
	assert.Equal(t, "user", streamed[0]["actor"])
	assert.Equal(t, "assistant", streamed[1]["actor"])
}

func TestChatSyncedHookLedger(t *testing.T) {
	provider := NewScriptedProvider().
		AddCompletion(`{"signals": [{"label": "send the invoices", "confidence": 0.8}]}`)
	app := NewTestApp(t, WithProvider(provider))
	ws := newWorkspaceID()

	body := map[string]any{
		"message":    "Remember to send the invoices on Friday",
		"message_id": "msg-100",
		"profile_id": "profile-1",
	}

	// First sync executes both hooks.
	results := app.SyncChat(t, ws, body)
	extract, ok := results["intent_extract"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, extract["ran"])
	summary, ok := extract["summary"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, summary["signal_count"])
	stewardOut, ok := results["steward_analyze"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, stewardOut["ran"])

	// Replaying the same message is answered from the ledger.
	results = app.SyncChat(t, ws, body)
	extract, ok = results["intent_extract"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, extract["ran"])
	assert.Equal(t, true, extract["from_ledger"])

	// A valid receipt short-circuits before the hook body.
	results = app.SyncChat(t, ws, map[string]any{
		"message":    "Remember to send the invoices on Friday",
		"message_id": "msg-101",
		"profile_id": "profile-1",
		"trace_id":   "trace-e2e-1",
		"receipts": []map[string]any{{
			"step":        "intent_extract",
			"trace_id":    "trace-e2e-1",
			"output_hash": strings.Repeat("ab", 16),
		}},
	})
	extract, ok = results["intent_extract"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, extract["ran"])
	assert.Equal(t, "receipt_accepted", extract["skip_reason"])
	decision, ok := extract["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, decision["should_run"])
	assert.Equal(t, "receipt_accepted", decision["reason"])

	page := app.GetEvents(t, ws, "event_types=receipt_accepted")
	assert.EqualValues(t, 1, page["total"])
}
