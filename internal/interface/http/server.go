// Package http exposes the crisis pipeline over a REST API: message
// ingestion, alert streams, risk dashboards and the assignment workflow.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alem-hub/care-hub/internal/application/command"
	"github.com/alem-hub/care-hub/internal/application/query"
	"github.com/alem-hub/care-hub/internal/domain/signal"
	"github.com/alem-hub/care-hub/internal/infrastructure/messaging"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// HeaderStaffID carries the authenticated staff member. Authentication
// itself happens in front of this service.
const HeaderStaffID = "X-Staff-ID"

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AllowedOrigins for CORS. Empty disables CORS headers.
	AllowedOrigins []string

	// RateLimitPerSecond per client IP (0 = disabled).
	RateLimitPerSecond float64

	// BodyLimit as accepted by echo, e.g. "64K".
	BodyLimit string

	// AlertHeartbeat is the SSE keep-alive interval.
	AlertHeartbeat time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        15 * time.Second,
		IdleTimeout:        60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		RateLimitPerSecond: 50,
		BodyLimit:          "64K",
		AlertHeartbeat:     20 * time.Second,
	}
}

// Address returns the listen address.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies contains everything the handlers call.
type Dependencies struct {
	Classifier *signal.Classifier

	// Command handlers (write side)
	ProcessMessage   *command.ProcessMessageHandler
	CreateAssignment *command.CreateAssignmentHandler
	AcceptAssignment *command.AcceptAssignmentHandler
	CompleteAssign   *command.CompleteAssignmentHandler
	LogResponse      *command.LogResponseHandler
	ReviewStage      *command.ReviewStageHandler

	// Query handlers (read side)
	RiskCounts  *query.RiskCountsHandler
	RiskProfile *query.GetRiskProfileHandler
	Assignments *query.AssignmentQueries

	Alerts *messaging.AlertBus

	Health *HealthChecker

	// Registry backs GET /metrics. Nil hides the endpoint.
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Logger *zap.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server is the HTTP front of the pipeline.
type Server struct {
	config Config
	deps   Dependencies
	echo   *echo.Echo
	logger *zap.Logger

	// done is closed on Shutdown so open alert streams end.
	done chan struct{}
}

// NewServer builds the echo instance and registers routes.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Health == nil {
		deps.Health = NewHealthChecker("")
	}
	if config.AlertHeartbeat <= 0 {
		config.AlertHeartbeat = DefaultConfig().AlertHeartbeat
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = config.ReadTimeout
	e.Server.WriteTimeout = config.WriteTimeout
	e.Server.IdleTimeout = config.IdleTimeout

	s := &Server{
		config: config,
		deps:   deps,
		echo:   e,
		logger: deps.Logger.Named("http"),
		done:   make(chan struct{}),
	}
	e.HTTPErrorHandler = s.handleError

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	e := s.echo

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Metrics
	// ─────────────────────────────────────────────────────────────────────────
	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	if s.deps.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1")

	// ─────────────────────────────────────────────────────────────────────────
	// Signals & risk
	// ─────────────────────────────────────────────────────────────────────────
	v1.POST("/classify", s.handleClassify)
	v1.POST("/messages", s.handleMessage)
	v1.GET("/institutions/:id/alerts", s.handleAlertStream)
	v1.GET("/institutions/:id/risk", s.handleRiskCounts)
	v1.GET("/institutions/:id/risk/stages", s.handleCountsByStage)
	v1.GET("/institutions/:id/risk/levels", s.handleCountsByLevel)
	v1.GET("/institutions/:id/assignments", s.handleListAssignments)
	v1.GET("/students/:id/risk", s.handleGetRiskProfile)
	v1.POST("/students/:id/stage-review", s.handleStageReview)

	// ─────────────────────────────────────────────────────────────────────────
	// Assignments & responses
	// ─────────────────────────────────────────────────────────────────────────
	v1.POST("/assignments", s.handleCreateAssignment)
	v1.GET("/assignments/:id", s.handleGetAssignment)
	v1.POST("/assignments/:id/accept", s.handleAcceptAssignment)
	v1.POST("/assignments/:id/complete", s.handleCompleteAssignment)
	v1.POST("/responses", s.handleLogResponse)
	v1.GET("/students/:id/responses", s.handleListResponses)
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupMiddleware() {
	e := s.echo

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			s.logger.Error("panic recovered",
				zap.Error(err),
				zap.ByteString("stack", stack),
				zap.String("path", c.Path()),
				logger.RequestID(requestID(c)),
			)
			return err
		},
	}))
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	if len(s.config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.AllowedOrigins,
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID, HeaderStaffID},
		}))
	}
	if s.config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(s.config.BodyLimit))
	}
	if s.config.RateLimitPerSecond > 0 {
		store := middleware.NewRateLimiterMemoryStore(rate.Limit(s.config.RateLimitPerSecond))
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool {
				switch c.Path() {
				case "/health", "/ready", "/metrics":
					return true
				}
				return false
			},
			Store: store,
			DenyHandler: func(c echo.Context, _ string, _ error) error {
				c.Response().Header().Set("Retry-After", "1")
				return writeError(c, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests", nil)
			},
		}))
	}
}

// requestLogger logs every request without its body; message text never
// reaches the logs.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqLog := s.logger.With(logger.RequestID(requestID(c)))
		c.SetRequest(c.Request().WithContext(logger.WithContext(c.Request().Context(), reqLog)))

		err := next(c)
		if err != nil {
			c.Error(err)
		}
		duration := time.Since(start)
		status := c.Response().Status

		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.HTTPRequest(c.Request().Method, route, status, duration)

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("route", route),
			zap.Int("status", status),
			logger.Latency(duration),
			zap.String("ip", c.RealIP()),
		}
		if status >= http.StatusInternalServerError {
			reqLog.Error("http request", fields...)
		} else {
			reqLog.Info("http request", fields...)
		}
		return nil
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("address", s.config.Address()))
	if err := s.echo.Start(s.config.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown ends alert streams and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	s.logger.Info("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}
