package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"piigate/internal/core"
	"piigate/internal/pii"
	"piigate/internal/pipeline"
)

// DefaultBodySizeLimit caps request bodies at 10MB.
const DefaultBodySizeLimit int64 = 10 * 1024 * 1024

// Config holds server options.
type Config struct {
	MasterKey       string
	MetricsEnabled  bool
	MetricsEndpoint string
	BodySizeLimit   int64
	DefaultMode     pii.Mode
	Logger          *slog.Logger
}

// Server wraps the Echo instance.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// New builds the HTTP server around the pipeline.
func New(p *pipeline.Pipeline, provider core.Provider, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(p, provider, cfg.DefaultMode)

	authSkipPaths := []string{"/health"}
	metricsPath := "/metrics"
	if cfg.MetricsEnabled {
		if cfg.MetricsEndpoint != "" {
			metricsPath = path.Clean(cfg.MetricsEndpoint)
		}
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	e.Use(middleware.Recover())
	e.Use(requestIDMiddleware())
	e.Use(requestLogMiddleware(logger))

	bodyLimit := DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodyLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodyLimit, 10)))

	if cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths))
	}

	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	e.GET("/v1/models", handler.ListModels)
	e.POST("/v1/chat/completions", handler.ChatCompletion)

	return &Server{echo: e, handler: handler}
}

// requestLogMiddleware emits one structured log line per request.
func requestLogMiddleware(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", c.Response().Header().Get("X-Request-Id"),
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
				logger.Error("request", attrs...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	})
}

// Start starts the HTTP server on the given address. Blocks until the
// server stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
