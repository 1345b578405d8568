package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stationd/stationd/pkg/hooks"
	"github.com/stationd/stationd/pkg/models"
)

type chatSyncedRequest struct {
	Message   string           `json:"message" binding:"required"`
	MessageID string           `json:"message_id" binding:"required"`
	ProfileID string           `json:"profile_id"`
	ThreadID  string           `json:"thread_id"`
	TraceID   string           `json:"trace_id"`
	Receipts  []models.Receipt `json:"receipts"`
}

// handleChatSynced runs the post-sync hook pipeline for one chat turn and
// returns the per-hook outcomes. Hook failures are reported in the body,
// never as an HTTP error.
func (s *Server) handleChatSynced(c *gin.Context) {
	var req chatSyncedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := s.hooks.OnChatSynced(c.Request.Context(), hooks.Request{
		WorkspaceID: c.Param("workspace_id"),
		ProfileID:   req.ProfileID,
		Message:     req.Message,
		MessageID:   req.MessageID,
		TraceID:     req.TraceID,
		ThreadID:    req.ThreadID,
		Receipts:    req.Receipts,
	})
	c.JSON(http.StatusOK, results)
}
