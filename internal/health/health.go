// Package health aggregates component checks for the /health and /readiness
// endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the verdict for one component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's health check outcome.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Critical  bool          `json:"critical"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	// Critical failures make the service unhealthy; non-critical ones only
	// degrade it.
	Critical() bool
}

// Report is the aggregate health view.
type Report struct {
	Status     Status        `json:"status"`
	Components []CheckResult `json:"components"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
	timeout  time.Duration
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger, timeout: 5 * time.Second}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check probes every component and aggregates the verdict.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	report := Report{Status: StatusHealthy, Timestamp: time.Now()}
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := c.Check(cctx)
		cancel()

		result := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy,
			Duration:  time.Since(start),
			Critical:  c.Critical(),
		}
		if err != nil {
			result.Error = err.Error()
			result.Status = StatusUnhealthy
			if c.Critical() {
				report.Status = StatusUnhealthy
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Error(err))
		}
		report.Components = append(report.Components, result)
	}
	return report
}

// Ready reports whether all critical components pass.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx).Status != StatusUnhealthy
}

// Handler serves the aggregate report as JSON; 503 when unhealthy.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// ReadinessHandler serves a minimal readiness probe.
func (m *Manager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.Ready(r.Context()) {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
