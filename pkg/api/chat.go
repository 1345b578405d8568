package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stationd/stationd/pkg/orchestrator"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

// chatRequest is the POST /chat body.
type chatRequest struct {
	Message        string         `json:"message"`
	Files          []string       `json:"files"`
	Mode           string         `json:"mode"`
	TimelineItemID string         `json:"timeline_item_id"`
	Action         string         `json:"action"`
	ActionParams   map[string]any `json:"action_params"`
	Confirm        bool           `json:"confirm"`
	ThreadID       string         `json:"thread_id"`
	Stream         bool           `json:"stream"`
	MessageID      string         `json:"message_id"`
	ProfileID      string         `json:"profile_id"`
	ProjectID      string         `json:"project_id"`
	Channel        string         `json:"channel"`
}

func (s *Server) handleChat(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	// A timeline item plus an action is a CTA follow-up on a gated task.
	if req.TimelineItemID != "" && req.Action != "" {
		res, err := s.orch.ExecuteCTA(c.Request.Context(), orchestrator.CTARequest{
			WorkspaceID:    workspaceID,
			ProfileID:      req.ProfileID,
			TimelineItemID: req.TimelineItemID,
			Action:         req.Action,
			Params:         req.ActionParams,
			Confirm:        req.Confirm,
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	message := req.Message
	if req.Action != "" {
		// A bare action is a dynamic suggestion; it routes as a normal turn.
		message = orchestrator.SuggestionMessage(req.Action, req.ActionParams)
	}

	routeReq := orchestrator.RouteRequest{
		WorkspaceID: workspaceID,
		ProfileID:   req.ProfileID,
		ThreadID:    req.ThreadID,
		ProjectID:   req.ProjectID,
		Message:     message,
		FileIDs:     req.Files,
		Mode:        req.Mode,
		Channel:     channelOrDefault(req.Channel),
	}

	if req.Stream {
		acc, err := s.runner.Submit(c.Request.Context(), routeReq)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, acc)
		return
	}

	turn := stream.NewTurn(256)
	go func() {
		for range turn.Events() {
		}
	}()
	res, err := s.orch.Route(c.Request.Context(), turn, routeReq)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, orchestrator.ErrEmptyMessage) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func channelOrDefault(channel string) string {
	if channel == "" {
		return "api"
	}
	return channel
}
