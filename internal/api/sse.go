package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// heartbeatInterval paces SSE comment frames that keep idle connections
// alive through proxies.
const heartbeatInterval = 30 * time.Second

// ServeStream delivers a parent job's lifecycle events as SSE frames. Each
// event is one "data: <json>\n\n" frame, flushed immediately. The stream
// ends when the hub closes the channel after the final event; an unknown
// parent id gets an immediately closed stream.
// API: GET /chunked-stream/:parent_job_id
func (c *Controller) ServeStream(ctx echo.Context) error {
	parentID := ctx.Param("parent_job_id")
	c.logger.Debug("stream subscriber connected", "parent_job_id", parentID, "ip", ctx.RealIP())

	ctx.Response().Header().Set(echo.HeaderContentType, "text/event-stream; charset=utf-8")
	ctx.Response().Header().Set("Cache-Control", "no-cache")
	ctx.Response().Header().Set("Connection", "keep-alive")
	ctx.Response().WriteHeader(http.StatusOK)

	events, ok := c.Hub.Subscribe(parentID)
	if !ok {
		// unknown or finished parent: close immediately
		ctx.Response().Flush()
		return nil
	}

	reqCtx := ctx.Request().Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-reqCtx.Done():
			c.logger.Debug("stream subscriber disconnected", "parent_job_id", parentID)
			return nil
		case event, open := <-events:
			if !open {
				c.logger.Debug("stream ended", "parent_job_id", parentID)
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				c.logger.Error("failed to encode stream event", "parent_job_id", parentID, "error", err.Error())
				continue
			}
			if _, err := fmt.Fprintf(ctx.Response(), "data: %s\n\n", data); err != nil {
				return err
			}
			ctx.Response().Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(ctx.Response(), ":\n\n"); err != nil {
				return err
			}
			ctx.Response().Flush()
		}
	}
}

// StreamPreflight answers the CORS preflight for the stream endpoint.
// API: OPTIONS /chunked-stream/:parent_job_id
func (c *Controller) StreamPreflight(ctx echo.Context) error {
	ctx.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	ctx.Response().Header().Set(echo.HeaderAccessControlAllowMethods, "GET, OPTIONS")
	ctx.Response().Header().Set(echo.HeaderAccessControlAllowHeaders, "Cache-Control, Last-Event-ID")
	return ctx.NoContent(http.StatusNoContent)
}
