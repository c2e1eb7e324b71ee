// Package api exposes the chunked-upload HTTP surface on echo: upload
// lifecycle endpoints, the per-job SSE stream, and operational endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/coordinator"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/logging"
	"github.com/audioscribe/audioscribe/internal/observability"
	"github.com/audioscribe/audioscribe/internal/ratelimit"
	"github.com/audioscribe/audioscribe/internal/stream"
)

// Controller manages the API routes and handlers.
type Controller struct {
	Echo        *echo.Echo
	Settings    *conf.Settings
	Coordinator *coordinator.Coordinator
	Hub         *stream.Hub
	Limiter     *ratelimit.Limiter
	Metrics     *observability.Metrics

	logger *slog.Logger
}

// New creates the controller and registers every route on e.
func New(e *echo.Echo, settings *conf.Settings, coord *coordinator.Coordinator, hub *stream.Hub, limiter *ratelimit.Limiter, metrics *observability.Metrics) *Controller {
	c := &Controller{
		Echo:        e,
		Settings:    settings,
		Coordinator: coord,
		Hub:         hub,
		Limiter:     limiter,
		Metrics:     metrics,
		logger:      logging.ForService("api"),
	}
	c.initRoutes()
	return c
}

// initRoutes registers all API endpoints.
func (c *Controller) initRoutes() {
	c.Echo.Use(middleware.Recover())
	c.Echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	c.Echo.POST("/chunked-upload-stream", c.InitializeUpload)
	c.Echo.GET("/chunked-stream/:parent_job_id", c.ServeStream)
	c.Echo.OPTIONS("/chunked-stream/:parent_job_id", c.StreamPreflight)
	c.Echo.POST("/chunk-upload", c.UploadChunk)
	c.Echo.POST("/chunk-upload-complete", c.CompleteChunkUpload)
	c.Echo.GET("/chunked-upload-status", c.UploadStatus)
	c.Echo.POST("/chunked-upload-cancel", c.CancelUpload)
	c.Echo.POST("/chunked-upload-retry", c.RetryChunk)

	c.Echo.GET("/healthz", c.Healthz)
	c.Echo.GET("/limits", c.LimiterStatus)
	if c.Metrics != nil {
		c.Echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(c.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// HandleError logs err and writes the JSON error body. The HTTP status is
// derived from the error's category unless code overrides it.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	if code == 0 {
		code = statusForError(err)
	}
	resp := ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	c.logger.Error("request failed",
		"correlation_id", resp.CorrelationID,
		"message", message,
		"error", err.Error(),
		"code", code,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method,
		"ip", ctx.RealIP())
	return ctx.JSON(code, resp)
}

// statusForError maps error categories onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryNotFound):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryJobState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Healthz is the liveness endpoint.
func (c *Controller) Healthz(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// LimiterStatus returns {in_flight, waiting} per rate-limiter class.
func (c *Controller) LimiterStatus(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.Limiter.StatusSnapshot())
}
