// Package httpapi serves ingestd's external HTTP surface: health and
// readiness probes and a Prometheus /metrics endpoint. It deliberately
// does not expose a control-plane API for managing rules or
// connections; that belongs to an external layer.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hausdata/ingestd/internal/buildinfo"
	"github.com/hausdata/ingestd/internal/metrics"
)

// DependencyStatus reports one subsystem's health for the health
// endpoint's per-dependency breakdown.
type DependencyStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport is returned by every HealthCheck the server polls.
type HealthReport struct {
	Healthy bool
	Detail  string
}

// HealthCheck reports a single dependency's current state.
type HealthCheck func() HealthReport

// HealthSummary is the JSON body served at GET /health.
type HealthSummary struct {
	Status       string             `json:"status"` // healthy | degraded | unhealthy
	UptimeSec    float64            `json:"uptime_seconds"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Version      string             `json:"version"`
}

// Server serves the health/ready/metrics HTTP surface.
type Server struct {
	addr    string
	logger  *slog.Logger
	metrics *metrics.Registry
	startAt time.Time

	checks []namedCheck

	server *http.Server
}

type namedCheck struct {
	name  string
	check HealthCheck
}

// New constructs a Server bound to addr (e.g. ":8080"). reg may be nil
// to disable /metrics.
func New(addr string, reg *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		logger:  logger,
		metrics: reg,
		startAt: time.Now(),
	}
}

// RegisterCheck adds a named dependency health check evaluated on every
// GET /health call. Order is preserved in the response.
func (s *Server) RegisterCheck(name string, check HealthCheck) {
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

// Start begins serving HTTP requests. Blocks until Shutdown is called
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("starting health/metrics server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// handleHealth evaluates every registered check and reports the
// aggregate status: unhealthy if a required dependency is down,
// degraded on a lesser problem, healthy otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := HealthSummary{
		Status:    "healthy",
		UptimeSec: time.Since(s.startAt).Seconds(),
		Version:   buildinfo.Version,
	}

	worst := 0 // 0=healthy, 1=degraded, 2=unhealthy
	for _, nc := range s.checks {
		rep := nc.check()
		status := "healthy"
		if !rep.Healthy {
			status = "unhealthy"
			if worst < 2 {
				worst = 2
			}
		} else if rep.Detail != "" {
			status = "degraded"
			if worst < 1 {
				worst = 1
			}
		}
		summary.Dependencies = append(summary.Dependencies, DependencyStatus{
			Name: nc.name, Status: status, Detail: rep.Detail,
		})
	}

	switch worst {
	case 2:
		summary.Status = "unhealthy"
	case 1:
		summary.Status = "degraded"
	}

	code := http.StatusOK
	if summary.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summary, s.logger)
}

// handleReady reports process-level readiness: the server is ready to
// accept traffic as soon as it is serving, regardless of dependency
// health (which /health already reports in detail).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "ingestd",
		"version": buildinfo.Version,
	}, s.logger)
}

// DegradedDetail is a convenience for a HealthCheck that wants to
// report "up but degraded" rather than a binary up/down.
func DegradedDetail(format string, args ...any) HealthReport {
	return HealthReport{Healthy: true, Detail: fmt.Sprintf(format, args...)}
}
