package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"sitepulse/api/models"
	"sitepulse/api/pipeline"
	"sitepulse/api/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TrackHandlers exposes the two ingestion request shapes to browser SDKs.
// Both endpoints answer 200 for anything past input validation, including
// silent domain drops; processing problems must not leak workspace
// configuration to arbitrary callers.
type TrackHandlers struct {
	Reconciler *pipeline.Reconciler
	log        zerolog.Logger
}

func NewTrackHandlers(reconciler *pipeline.Reconciler, log zerolog.Logger) *TrackHandlers {
	return &TrackHandlers{Reconciler: reconciler, log: log}
}

func requestContext(c *gin.Context) pipeline.RequestContext {
	return pipeline.RequestContext{
		ClientIP: c.ClientIP(),
		Origin:   c.GetHeader("Origin"),
		Referer:  c.GetHeader("Referer"),
	}
}

// TrackEvents ingests one flat event record or an array of them.
func (h *TrackHandlers) TrackEvents(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	var events []models.RawTrackEvent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var single models.RawTrackEvent
		if err = json.Unmarshal(trimmed, &single); err == nil {
			events = []models.RawTrackEvent{single}
		}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	for _, ev := range events {
		if ev.WorkspaceID == "" || ev.SessionID == "" || ev.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id, session_id and name are required"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := h.Reconciler.ProcessRawEvents(ctx, events, requestContext(c)); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// TrackSession ingests a checkpoint-delta session payload and echoes the new
// checkpoint for the client's next call.
func (h *TrackHandlers) TrackSession(c *gin.Context) {
	var payload models.SessionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	checkpoint, err := h.Reconciler.ProcessSessionPayload(ctx, &payload, requestContext(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "checkpoint": checkpoint})
}

func (h *TrackHandlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrWorkspaceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown workspace"})
	case errors.Is(err, pipeline.ErrUnknownAction), errors.Is(err, pipeline.ErrMixedWorkspaces):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Msg("ingestion failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record events"})
	}
}
