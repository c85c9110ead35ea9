package http

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

// Pinger is anything with a connectivity check (pgx pools, redis clients).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

// HealthStatus is the body of /health and /ready.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message"`
	Duration string `json:"duration"`
}

// HealthChecker runs named readiness checks concurrently.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	started time.Time
	version string
	timeout time.Duration
}

// NewHealthChecker creates a checker with a 5s per-check timeout.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]CheckFunc),
		started: time.Now(),
		version: version,
		timeout: 5 * time.Second,
	}
}

// AddCheck registers a readiness check.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Live reports process liveness without touching dependencies.
func (h *HealthChecker) Live() HealthStatus {
	return HealthStatus{
		Healthy:   true,
		Message:   "ok",
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.version,
		Timestamp: time.Now().UTC(),
	}
}

// Ready runs every check.
func (h *HealthChecker) Ready(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	status := h.Live()
	status.Checks = make(map[string]CheckResult, len(checks))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, fn := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := fn(cctx)
			res := CheckResult{Healthy: err == nil, Message: "ok", Duration: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				res.Message = err.Error()
			}

			mu.Lock()
			status.Checks[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for name, res := range status.Checks {
		if !res.Healthy {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		status.Healthy = false
		status.Message = "failing: " + strings.Join(failed, ", ")
	}
	return status
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Health.Live())
}

// handleReady handles GET /ready.
func (s *Server) handleReady(c echo.Context) error {
	status := s.deps.Health.Ready(c.Request().Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
