package tools

import (
	"context"
	"fmt"
	"sync"
)

// SimulatedExecutor returns canned results keyed by tool name. It stands in
// for domain tool APIs in development mode and in tests, and records every
// invocation in order.
type SimulatedExecutor struct {
	mu      sync.Mutex
	results map[string]map[string]interface{}
	errs    map[string]error
	calls   []Call
}

// Call is one recorded invocation.
type Call struct {
	Tool string
	Args map[string]interface{}
}

// NewSimulatedExecutor creates an empty simulated executor.
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{
		results: make(map[string]map[string]interface{}),
		errs:    make(map[string]error),
	}
}

// SetResult configures the canned result for a tool.
func (e *SimulatedExecutor) SetResult(tool string, result map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[tool] = result
}

// SetError makes a tool fail with the supplied error.
func (e *SimulatedExecutor) SetError(tool string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[tool] = err
}

// Calls returns all recorded invocations in execution order.
func (e *SimulatedExecutor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := make([]Call, len(e.calls))
	copy(calls, e.calls)
	return calls
}

func (e *SimulatedExecutor) Invoke(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	copied := make(map[string]interface{}, len(args))
	for k, v := range args {
		copied[k] = v
	}
	e.calls = append(e.calls, Call{Tool: tool, Args: copied})
	err := e.errs[tool]
	result, ok := e.results[tool]
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		result = map[string]interface{}{
			"success": true,
			"message": fmt.Sprintf("%s completed", tool),
		}
	}
	return result, nil
}
