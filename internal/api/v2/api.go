// Package api implements the HTTP surface of the detector: signal ingestion,
// the listening toggle, session and speaker queries and the debug event log.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/datastore"
	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/logging"
	"github.com/earshot/earshot-go/internal/observability"
	"github.com/earshot/earshot-go/internal/pipeline"
)

// Controller manages the API routes and handlers.
type Controller struct {
	Echo      *echo.Echo
	Group     *echo.Group
	DS        datastore.Interface
	Settings  *conf.Settings
	Detector  *awareness.Detector
	Processor *pipeline.Processor
	Queue     *pipeline.Queue

	apiLogger      *slog.Logger
	apiLoggerClose func() error
	metrics        *observability.Metrics
}

// New creates the API controller and registers all routes on e.
func New(e *echo.Echo, ds datastore.Interface, settings *conf.Settings,
	detector *awareness.Detector, processor *pipeline.Processor, queue *pipeline.Queue,
	metrics *observability.Metrics) *Controller {

	c := &Controller{
		Echo:      e,
		DS:        ds,
		Settings:  settings,
		Detector:  detector,
		Processor: processor,
		Queue:     queue,
		apiLogger: logging.ForService("api"),
		metrics:   metrics,
	}

	// Request logs go to a rotated file when file logging is enabled, so the
	// stdout stream stays readable during operation.
	if settings.Main.Log.Enabled {
		fileLogger, closeFn, err := logging.NewFileLogger(
			filepath.Join(settings.Main.Log.Path, "api.log"), "api", slog.LevelInfo,
			logging.FileLoggerOptions{
				MaxSizeMB:  settings.Main.Log.MaxSizeMB,
				MaxBackups: settings.Main.Log.MaxBackups,
				MaxAgeDays: settings.Main.Log.MaxAgeDays,
			})
		if err != nil {
			c.apiLogger.Warn("file logging unavailable", "error", err)
		} else {
			c.apiLogger = fileLogger
			c.apiLoggerClose = closeFn
		}
	}

	e.Use(middleware.Recover())
	c.Group = e.Group("/api/v2")
	c.initRoutes()
	return c
}

// Shutdown releases controller resources, closing the request log file.
func (c *Controller) Shutdown() {
	if c.apiLoggerClose != nil {
		_ = c.apiLoggerClose()
	}
}

func (c *Controller) initRoutes() {
	c.initSignalRoutes()
	c.initSessionRoutes()
	c.initSpeakerRoutes()
	c.initDebugRoutes()
	if c.metrics != nil {
		c.Echo.GET("/metrics", c.metrics.Handler())
	}
}

// ErrorResponse is the JSON error body returned by every handler.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

func newCorrelationID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}

// HandleError logs an error with a correlation id and returns it as JSON.
// Domain not-found errors override the supplied code with 404.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	if errors.IsNotFound(err) {
		code = http.StatusNotFound
	}
	resp := ErrorResponse{
		Message:       message,
		Code:          code,
		CorrelationID: newCorrelationID(),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	c.apiLogger.Error("request failed",
		"correlation_id", resp.CorrelationID,
		"message", message,
		"error", err,
		"code", code,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method,
		"ip", ctx.RealIP(),
	)
	return ctx.JSON(code, resp)
}
