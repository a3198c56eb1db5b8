package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

func (c *Controller) initSpeakerRoutes() {
	c.Group.GET("/speakers", c.ListSpeakers)
	c.Group.PATCH("/speakers/:id", c.RenameSpeaker)
}

// ListSpeakers returns the persistent speaker corpus.
func (c *Controller) ListSpeakers(ctx echo.Context) error {
	speakers, err := c.DS.ListSpeakers()
	if err != nil {
		return c.HandleError(ctx, err, "failed to list speakers", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, speakers)
}

// renameRequest sets a speaker's display name.
type renameRequest struct {
	DisplayName string `json:"displayName"`
}

// RenameSpeaker sets a speaker's display name. User naming always wins over
// the pipeline's partner-name heuristic; an explicit rename may overwrite.
func (c *Controller) RenameSpeaker(ctx echo.Context) error {
	var req renameRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid rename payload", http.StatusBadRequest)
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return c.HandleError(ctx, nil, "displayName is required", http.StatusBadRequest)
	}

	speaker, err := c.DS.GetSpeaker(ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "speaker not found", http.StatusNotFound)
	}
	speaker.DisplayName = name
	if err := c.DS.SaveSpeaker(speaker); err != nil {
		return c.HandleError(ctx, err, "failed to rename speaker", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, speaker)
}
