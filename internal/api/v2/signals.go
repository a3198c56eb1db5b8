package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/signal"
)

func (c *Controller) initSignalRoutes() {
	c.Group.POST("/signals", c.PostSignal)
	c.Group.POST("/listening", c.SetListening)
	c.Group.GET("/state", c.GetState)
}

// PostSignal ingests one raw sensor signal. The response carries the updated
// awareness state, the session affected by this signal (if any) and the
// evaluator verdict.
func (c *Controller) PostSignal(ctx echo.Context) error {
	var raw signal.Raw
	if err := ctx.Bind(&raw); err != nil {
		return c.HandleError(ctx, err, "invalid signal payload", http.StatusBadRequest)
	}
	if !signal.ValidSource(signal.Source(raw.Source)) {
		return c.HandleError(ctx, nil, "unknown signal source: "+raw.Source, http.StatusBadRequest)
	}

	result, err := c.Detector.Ingest(ctx.Request().Context(), signal.Normalize(&raw))
	if err != nil {
		return c.HandleError(ctx, err, "failed to ingest signal", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, result)
}

// listeningRequest is the body of the listening toggle.
type listeningRequest struct {
	Enabled bool `json:"enabled"`
}

// listeningResponse reports the new state plus the session that was
// force-stopped by a disable, if one was active.
type listeningResponse struct {
	State          *awareness.State   `json:"state"`
	StoppedSession *awareness.Session `json:"stoppedSession,omitempty"`
}

// SetListening flips the user listening switch. Disabling while a session is
// active force-stops that session.
func (c *Controller) SetListening(ctx echo.Context) error {
	var req listeningRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid listening payload", http.StatusBadRequest)
	}

	state, stopped, err := c.Detector.SetListening(ctx.Request().Context(), req.Enabled)
	if err != nil {
		return c.HandleError(ctx, err, "failed to toggle listening", http.StatusInternalServerError)
	}

	return ctx.JSON(http.StatusOK, listeningResponse{State: state, StoppedSession: stopped})
}

// GetState returns the current awareness state.
func (c *Controller) GetState(ctx echo.Context) error {
	state, err := c.Detector.State()
	if err != nil {
		return c.HandleError(ctx, err, "failed to load state", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, state)
}
