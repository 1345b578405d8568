package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

const defaultPageLimit = 50

// eventsResponse is the GET /events body.
type eventsResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	Total       int             `json:"total"`
	Events      []*models.Event `json:"events"`
	HasMore     bool            `json:"has_more"`
}

func (s *Server) handleEvents(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	q := store.EventQuery{
		WorkspaceID: workspaceID,
		ThreadID:    c.Query("thread_id"),
		BeforeID:    c.Query("before_id"),
		Limit:       defaultPageLimit,
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = limit
	}
	var err error
	if q.StartTime, err = parseTimeQuery(c, "start_time"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.EndTime, err = parseTimeQuery(c, "end_time"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Types, err = parseEventTypes(c.Query("event_types")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// An initial unfiltered load seeds an empty workspace with the welcome
	// event before reading.
	if q.BeforeID == "" && len(q.Types) == 0 {
		if _, err := s.orch.EnsureWelcome(c.Request.Context(), workspaceID, c.Query("profile_id")); err != nil {
			s.logger.Warn("welcome generation failed", "workspace_id", workspaceID, "error", err)
		}
	}

	events, err := s.store.ListEvents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	countQ := q
	countQ.Limit = 0
	total, err := s.store.CountEvents(c.Request.Context(), countQ)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	c.JSON(http.StatusOK, eventsResponse{
		WorkspaceID: workspaceID,
		Total:       total,
		Events:      events,
		HasMore:     total > len(events),
	})
}

// timelineEntry is one enriched timeline item.
type timelineEntry struct {
	*models.TimelineItem
	HasExecutionContext bool       `json:"has_execution_context"`
	ExecutionID         string     `json:"execution_id,omitempty"`
	TaskStatus          string     `json:"task_status,omitempty"`
	TaskStartedAt       *time.Time `json:"task_started_at,omitempty"`
	TaskCompletedAt     *time.Time `json:"task_completed_at,omitempty"`
}

func (s *Server) handleTimeline(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	items, err := s.store.ListTimelineByWorkspace(c.Request.Context(), workspaceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	entries := make([]timelineEntry, 0, len(items))
	for _, item := range items {
		entry := timelineEntry{TimelineItem: item}
		if item.TaskID != "" {
			if task, err := s.store.GetTask(c.Request.Context(), item.TaskID); err == nil {
				entry.HasExecutionContext = true
				entry.ExecutionID = task.ExecutionID
				entry.TaskStatus = string(task.Status)
				entry.TaskStartedAt = task.StartedAt
				entry.TaskCompletedAt = task.CompletedAt
			}
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "items": entries})
}

func parseTimeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339", key)
	}
	return &t, nil
}

func parseEventTypes(raw string) ([]models.EventType, error) {
	if raw == "" {
		return nil, nil
	}
	known := make(map[models.EventType]bool, len(models.KnownEventTypes))
	for _, t := range models.KnownEventTypes {
		known[t] = true
	}
	var out []models.EventType
	for _, part := range strings.Split(raw, ",") {
		t := models.EventType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}
