// Package agent provides the uniform asynchronous wrapper around one agent
// role. The orchestrator starts tasks against an immutable session snapshot
// and awaits typed results; it never sees how a result was produced, and it
// never sees a raw backend error. Everything terminal is a TaskError.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/concierge-ai/concierge/internal/metrics"
)

// ErrorKind classifies terminal task failures.
type ErrorKind string

const (
	// KindTimeout means the task missed its independent deadline.
	KindTimeout ErrorKind = "timeout"
	// KindBackendFailure means the underlying reasoning or channel call errored.
	KindBackendFailure ErrorKind = "backend_failure"
	// KindInvalidOutput means the produced result failed schema validation.
	KindInvalidOutput ErrorKind = "invalid_output"
)

// TaskError is the only failure shape a task exposes to the orchestrator.
type TaskError struct {
	Agent string
	Kind  ErrorKind
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// ValidationError marks an agent output that failed schema validation.
// Task fns return it to have the failure classified as KindInvalidOutput.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid output: " + e.Reason }

// Handle tracks one running agent task. Start and completion timestamps are
// recorded so callers can verify that concurrently dispatched tasks really
// overlapped in wall-clock time.
type Handle[T any] struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	startedAt   time.Time
	completedAt time.Time
	result      T
	terr        *TaskError
}

// Run launches fn as an asynchronous agent task with its own deadline.
// The task starts before Run returns; awaiting is a separate step, which is
// what lets two tasks run concurrently without accidental serialization.
func Run[T any](ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (T, error)) *Handle[T] {
	taskCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}

	h := &Handle[T]{
		name:      name,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	metrics.AgentTasksStarted.WithLabelValues(name).Inc()

	go func() {
		defer cancel()
		defer close(h.done)

		result, err := fn(taskCtx)

		h.mu.Lock()
		defer h.mu.Unlock()
		h.completedAt = time.Now()
		metrics.AgentTaskDuration.WithLabelValues(name).Observe(float64(h.completedAt.Sub(h.startedAt).Milliseconds()))

		if err == nil {
			h.result = result
			return
		}
		h.terr = classify(name, taskCtx, err)
		metrics.AgentTaskErrors.WithLabelValues(name, string(h.terr.Kind)).Inc()
	}()

	return h
}

func classify(name string, ctx context.Context, err error) *TaskError {
	var verr *ValidationError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TaskError{Agent: name, Kind: KindTimeout, Err: err}
	case errors.As(err, &verr):
		return &TaskError{Agent: name, Kind: KindInvalidOutput, Err: err}
	default:
		return &TaskError{Agent: name, Kind: KindBackendFailure, Err: err}
	}
}

// Await blocks until the task reaches a terminal state or ctx is cancelled.
// A cancelled wait is reported as a timeout; the task itself keeps its own
// deadline and cancellation.
func (h *Handle[T]) Await(ctx context.Context) (T, *TaskError) {
	select {
	case <-h.done:
	case <-ctx.Done():
		var zero T
		return zero, &TaskError{Agent: h.name, Kind: KindTimeout, Err: ctx.Err()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.terr
}

// Cancel stops the task best-effort. It never panics and never blocks; a
// denial gate uses it to cut short personalization work that no longer
// matters.
func (h *Handle[T]) Cancel() {
	h.cancel()
}

// Name returns the agent role name.
func (h *Handle[T]) Name() string { return h.name }

// StartedAt returns when the task was dispatched.
func (h *Handle[T]) StartedAt() time.Time {
	return h.startedAt
}

// CompletedAt returns when the task reached a terminal state, or the zero
// time if it is still running.
func (h *Handle[T]) CompletedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completedAt
}
