package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func (c *Controller) initSessionRoutes() {
	c.Group.GET("/sessions", c.ListSessions)
	c.Group.GET("/sessions/:id", c.GetSession)
	c.Group.POST("/sessions/:id/clips", c.AttachClip)
	c.Group.GET("/sessions/:id/segments", c.GetSegments)
	c.Group.POST("/sessions/:id/process", c.ProcessSession)
}

// ListSessions returns recent sessions, newest first.
func (c *Controller) ListSessions(ctx echo.Context) error {
	limit, _ := strconv.Atoi(ctx.QueryParam("limit"))
	sessions, err := c.DS.ListSessions(limit)
	if err != nil {
		return c.HandleError(ctx, err, "failed to list sessions", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, sessions)
}

// GetSession returns one session by id.
func (c *Controller) GetSession(ctx echo.Context) error {
	session, err := c.DS.GetSession(ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "session not found", http.StatusNotFound)
	}
	return ctx.JSON(http.StatusOK, session)
}

// clipRequest carries one uploaded audio clip.
type clipRequest struct {
	AudioBase64 string `json:"audioBase64"`
	MimeType    string `json:"mimeType"`
}

// AttachClip decodes an uploaded clip, writes it under the configured clips
// directory and attaches its path to the session.
func (c *Controller) AttachClip(ctx echo.Context) error {
	sessionID := ctx.Param("id")

	var req clipRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid clip payload", http.StatusBadRequest)
	}
	if req.AudioBase64 == "" {
		return c.HandleError(ctx, nil, "audioBase64 is required", http.StatusBadRequest)
	}

	payload, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		return c.HandleError(ctx, err, "audioBase64 is not valid base64", http.StatusBadRequest)
	}

	// Session existence is checked before touching the filesystem so an
	// unknown id never leaves an orphan file behind.
	session, err := c.DS.GetSession(sessionID)
	if err != nil {
		return c.HandleError(ctx, err, "session not found", http.StatusNotFound)
	}

	dir := filepath.Join(c.Settings.Realtime.Clips.Path, session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return c.HandleError(ctx, err, "failed to store clip", http.StatusInternalServerError)
	}
	// Clip names carry attach time plus randomness so a name is never
	// reused within a session, even after oldest-clip eviction.
	name := fmt.Sprintf("clip_%d_%s%s", time.Now().UnixMilli(), uuid.NewString()[:8], clipExtension(req.MimeType))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return c.HandleError(ctx, err, "failed to store clip", http.StatusInternalServerError)
	}

	updated, err := c.Detector.AttachClip(ctx.Request().Context(), sessionID, path)
	if err != nil {
		return c.HandleError(ctx, err, "failed to attach clip", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, updated)
}

func clipExtension(mimeType string) string {
	switch mimeType {
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".wav"
	}
}

// GetSegments returns the persisted transcript of one conversation.
func (c *Controller) GetSegments(ctx echo.Context) error {
	sessionID := ctx.Param("id")
	if _, err := c.DS.GetSession(sessionID); err != nil {
		return c.HandleError(ctx, err, "session not found", http.StatusNotFound)
	}
	segments, err := c.DS.GetSegments(sessionID)
	if err != nil {
		return c.HandleError(ctx, err, "failed to load segments", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, segments)
}

// ProcessSession enqueues a conversation for (re)processing. Returns 202 on
// acceptance; processing itself is asynchronous and idempotent.
func (c *Controller) ProcessSession(ctx echo.Context) error {
	sessionID := ctx.Param("id")
	if _, err := c.DS.GetSession(sessionID); err != nil {
		return c.HandleError(ctx, err, "session not found", http.StatusNotFound)
	}
	if !c.Queue.Enqueue(sessionID) {
		return c.HandleError(ctx, nil, "pipeline queue is full", http.StatusServiceUnavailable)
	}
	return ctx.JSON(http.StatusAccepted, map[string]string{
		"conversationId": sessionID,
		"status":         "queued",
	})
}
