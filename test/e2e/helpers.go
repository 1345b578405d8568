package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newWorkspaceID returns a workspace id that cannot collide with earlier
// runs against a shared CI database.
func newWorkspaceID() string {
	return "e2e-" + uuid.NewString()[:8]
}

// PostChat posts a turn and returns the parsed response body.
func (app *TestApp) PostChat(t *testing.T, workspaceID string, body map[string]any, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, "/workspaces/"+workspaceID+"/chat", body, expectedStatus)
}

// GetEvents reads the event log page for a workspace. The query string may
// be empty.
func (app *TestApp) GetEvents(t *testing.T, workspaceID, query string) map[string]any {
	t.Helper()
	path := "/workspaces/" + workspaceID + "/events"
	if query != "" {
		path += "?" + query
	}
	return app.getJSON(t, path, http.StatusOK)
}

// GetTimeline reads the enriched timeline for a workspace.
func (app *TestApp) GetTimeline(t *testing.T, workspaceID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/workspaces/"+workspaceID+"/timeline", http.StatusOK)
}

// SyncChat posts one synced turn into the hook pipeline and returns the
// per-hook outcomes.
func (app *TestApp) SyncChat(t *testing.T, workspaceID string, body map[string]any) map[string]any {
	t.Helper()
	return app.postJSON(t, "/workspaces/"+workspaceID+"/hooks/chat-synced", body, http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body map[string]any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// WaitForAssistantMessage polls the event log until an assistant message
// lands for the workspace, then returns it. The condition reports transport
// trouble as "not yet" so the poll keeps going until the deadline.
func (app *TestApp) WaitForAssistantMessage(t *testing.T, workspaceID string) map[string]any {
	t.Helper()
	url := app.BaseURL + "/workspaces/" + workspaceID + "/events?event_types=message"
	var found map[string]any
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var page map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return false
		}
		for _, evt := range eventList(page) {
			if evt["actor"] == "assistant" {
				found = evt
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond, "assistant message never arrived")
	return found
}

// CollectStreamEvents connects to the live SSE feed and returns the first n
// events, failing the test if they do not arrive before the timeout. The
// query string may be empty.
func (app *TestApp) CollectStreamEvents(t *testing.T, workspaceID, query string, n int, timeout time.Duration) []map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	path := app.BaseURL + "/workspaces/" + workspaceID + "/events/stream"
	if query != "" {
		path += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for len(events) < n && scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		events = append(events, evt)
	}
	require.Len(t, events, n, "expected %d streamed events before the deadline", n)
	return events
}

// eventList unpacks the events array of a GET /events response.
func eventList(page map[string]any) []map[string]any {
	raw, _ := page["events"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if evt, ok := item.(map[string]any); ok {
			out = append(out, evt)
		}
	}
	return out
}
