// Package tools abstracts domain tool APIs. Real tools live behind opaque
// HTTP endpoints; the simulated executor stands in for them in development
// and tests.
package tools

import (
	"context"
	"time"

	"github.com/concierge-ai/concierge/internal/metrics"
)

// Executor invokes a domain tool by id with structured arguments.
type Executor interface {
	Invoke(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error)
}

// instrumented wraps an Executor with invocation metrics.
type instrumented struct {
	next Executor
}

// WithMetrics decorates an executor with Prometheus instrumentation.
func WithMetrics(next Executor) Executor {
	return &instrumented{next: next}
}

func (e *instrumented) Invoke(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	start := time.Now()
	result, err := e.next.Invoke(ctx, tool, args)
	metrics.ToolInvocationDuration.WithLabelValues(tool).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.ToolInvocations.WithLabelValues(tool, "error").Inc()
		return nil, err
	}
	metrics.ToolInvocations.WithLabelValues(tool, "ok").Inc()
	return result, nil
}
