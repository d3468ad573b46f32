// Package server provides the HTTP surface of the gateway.
package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"piigate/internal/core"
	"piigate/internal/pii"
	"piigate/internal/pipeline"
)

// Handler holds the HTTP handlers.
type Handler struct {
	pipeline    *pipeline.Pipeline
	provider    core.Provider
	defaultMode pii.Mode
}

// NewHandler creates the handler set. The provider backs /v1/models; chat
// requests always go through the pipeline.
func NewHandler(p *pipeline.Pipeline, provider core.Provider, defaultMode pii.Mode) *Handler {
	if defaultMode == "" {
		defaultMode = pii.ModeFast
	}
	return &Handler{pipeline: p, provider: provider, defaultMode: defaultMode}
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *Handler) ChatCompletion(c echo.Context) error {
	var req core.ChatRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if req.Model == "" {
		return handleError(c, core.NewInvalidRequestError("model is required", nil))
	}
	if len(req.Messages) == 0 {
		return handleError(c, core.NewInvalidRequestError("messages must not be empty", nil))
	}

	mode := h.defaultMode
	if v := c.Request().Header.Get("X-Detection-Mode"); v != "" {
		mode = pii.ParseMode(v)
	}

	out, err := h.pipeline.Handle(c.Request().Context(), &pipeline.Request{
		SessionID: c.Request().Header.Get("X-Session-Id"),
		Mode:      mode,
		Chat:      &req,
	})
	if err != nil {
		return handleError(c, err)
	}

	header := c.Response().Header()
	header.Set("X-Detection-Mode", string(out.DetectionMode))
	if out.CacheHit {
		header.Set("X-Cache", "HIT")
	} else {
		header.Set("X-Cache", "MISS")
	}
	if out.SessionID != "" {
		header.Set("X-Session-Id", out.SessionID)
	}
	if out.Blocked {
		header.Set("X-Guardrail-Blocked", out.BlockedBy)
	}

	return c.JSON(http.StatusOK, out.Response)
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(c echo.Context) error {
	resp, err := h.provider.ListModels(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// requestIDMiddleware assigns each request an ID, threads it through the
// context for providers and audit records, and echoes it back to clients.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Request().Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := core.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set("X-Request-Id", requestID)
			return next(c)
		}
	}
}

// handleError converts gateway errors to HTTP responses.
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
