package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

// handleEventStream is the live event feed: a polling SSE bridge over the
// event log with a comment heartbeat. last_event_id resumes after a known
// event; everything newer is replayed first.
func (s *Server) handleEventStream(c *gin.Context) {
	workspaceID := c.Param("workspace_id")

	types, err := parseEventTypes(c.Query("event_types"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	startTime, err := parseTimeQuery(c, "start_time")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	projectID := c.Query("project_id")

	cursor := newStreamCursor(startTime)
	if lastID := c.Query("last_event_id"); lastID != "" {
		if last, err := s.store.GetEvent(c.Request.Context(), lastID); err == nil {
			cursor.mark(last)
		}
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	emit := func() bool {
		events, err := s.store.ListEvents(c.Request.Context(), store.EventQuery{
			WorkspaceID: workspaceID,
			Types:       types,
			StartTime:   cursor.since,
		})
		if err != nil {
			s.logger.Warn("event feed read failed", "workspace_id", workspaceID, "error", err)
			return true
		}
		for _, evt := range events {
			if cursor.delivered(evt.ID) {
				continue
			}
			if projectID != "" && evt.ProjectID != projectID {
				cursor.mark(evt)
				continue
			}
			if !writeSSE(w, evt) {
				return false
			}
			cursor.mark(evt)
		}
		cursor.compact()
		flusher.Flush()
		return true
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-poll.C:
			if !emit() {
				return
			}
		}
	}
}

// streamCursor tracks one connection's resume position over the polled event
// log. Polls list from since inclusively, so ids sharing the cursor timestamp
// are remembered to avoid re-delivery; compact drops everything older, which
// keeps the set bounded however long the connection lives.
type streamCursor struct {
	since *time.Time
	seen  map[string]time.Time
}

func newStreamCursor(since *time.Time) *streamCursor {
	return &streamCursor{since: since, seen: map[string]time.Time{}}
}

func (sc *streamCursor) delivered(id string) bool {
	_, ok := sc.seen[id]
	return ok
}

// mark records the event as handled and advances the cursor to its timestamp.
func (sc *streamCursor) mark(evt *models.Event) {
	sc.seen[evt.ID] = evt.Timestamp
	ts := evt.Timestamp
	sc.since = &ts
}

// compact evicts seen entries strictly before the cursor; they can no longer
// appear in a poll.
func (sc *streamCursor) compact() {
	if sc.since == nil {
		return
	}
	for id, ts := range sc.seen {
		if ts.Before(*sc.since) {
			delete(sc.seen, id)
		}
	}
}

func writeSSE(w http.ResponseWriter, evt *models.Event) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		return true
	}
	if _, err := w.Write([]byte("id: " + evt.ID + "\nevent: " + string(evt.EventType) + "\ndata: ")); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	_, err = w.Write([]byte("\n\n"))
	return err == nil
}
