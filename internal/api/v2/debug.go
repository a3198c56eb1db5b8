package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (c *Controller) initDebugRoutes() {
	c.Group.GET("/debug/events", c.GetDebugEvents)
}

// GetDebugEvents returns a snapshot of the detector's decision log, oldest
// first. The log is bounded; this is the primary threshold-tuning tool.
func (c *Controller) GetDebugEvents(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.Detector.DebugEvents())
}
