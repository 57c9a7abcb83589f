package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCheckAggregatesStatuses(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(CheckerFunc{ComponentName: "redis", IsCritical: true, Fn: func(ctx context.Context) error { return nil }})
	m.Register(CheckerFunc{ComponentName: "database", IsCritical: false, Fn: func(ctx context.Context) error { return errors.New("down") }})

	report := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, m.Ready(context.Background()))
}

func TestCriticalFailureMakesUnhealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(CheckerFunc{ComponentName: "redis", IsCritical: true, Fn: func(ctx context.Context) error { return errors.New("down") }})

	report := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, m.Ready(context.Background()))

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessHandlerOK(t *testing.T) {
	m := NewManager(zap.NewNop())
	rec := httptest.NewRecorder()
	m.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
