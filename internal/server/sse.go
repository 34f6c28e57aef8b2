package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"milo/internal/agent"
)

type sendMessageRequest struct {
	Message string `json:"message"`
}

// handleSendMessage runs one turn and forwards its chunk stream as SSE
// `data:` frames. The request context cancels the turn when the client
// drops, and the channel closing after the done chunk ends the response.
func (s *Server) handleSendMessage(c *gin.Context) {
	conv := s.loadOwned(c)
	if conv == nil {
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	chunks, err := s.deps.Engine.Run(c.Request.Context(), agent.TurnRequest{
		ConversationID: conv.ID,
		Message:        req.Message,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	started := time.Now()
	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Error("Failed to serialize chunk: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the context cancellation stops the turn.
			s.logger.Debug("SSE write failed for %s: %v", conv.ID, err)
			return
		}
		w.Flush()
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.StreamCompleted(time.Since(started))
	}
}
