package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/metrics"
	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/tools"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

// ToolExecutionError tags a tool failure with the step that produced it.
// The fulfiller surfaces it without retrying; retry policy belongs to the
// caller.
type ToolExecutionError struct {
	StepID string
	Tool   string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("step %s: tool %s: %v", e.StepID, e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ToolGate is consulted before each tool invocation. Implementations may
// deny sensitive tools; a nil gate allows everything.
type ToolGate interface {
	Allow(ctx context.Context, tool string, sensitive bool, verified bool) (bool, string, error)
}

// Fulfiller executes a personalized plan's template steps in order against
// the domain tool executor, appending one trajectory entry per step.
type Fulfiller struct {
	executor tools.Executor
	gate     ToolGate
	logger   *zap.Logger

	maxSteps   int
	maxRepeats int
}

// FulfillerOption configures optional behavior.
type FulfillerOption func(*Fulfiller)

// WithToolGate attaches a policy gate consulted before each invocation.
func WithToolGate(gate ToolGate) FulfillerOption {
	return func(f *Fulfiller) { f.gate = gate }
}

// WithStepBudget caps total executed steps per run.
func WithStepBudget(maxSteps int) FulfillerOption {
	return func(f *Fulfiller) { f.maxSteps = maxSteps }
}

// WithRepeatGuard aborts after n identical consecutive tool invocations.
func WithRepeatGuard(n int) FulfillerOption {
	return func(f *Fulfiller) { f.maxRepeats = n }
}

// NewFulfiller creates a fulfiller over a tool executor.
func NewFulfiller(executor tools.Executor, logger *zap.Logger, opts ...FulfillerOption) *Fulfiller {
	f := &Fulfiller{
		executor:   executor,
		logger:     logger,
		maxSteps:   50,
		maxRepeats: 3,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Execute runs the plan's steps in template order, restricted to the
// personalized tool set, binding prefilled parameters unless the user has
// since overridden them. The returned trajectory is finalized in every path;
// a tool failure additionally returns a ToolExecutionError naming the step.
func (f *Fulfiller) Execute(ctx context.Context, plan *PersonalizedPlan, snap *session.Snapshot, overrides map[string]string) (*trajectory.Trajectory, error) {
	traj := trajectory.New(snap.SessionID, snap.Domain, snap.Intent)

	executed := 0
	var lastSig string
	repeats := 0

	for _, step := range plan.Template.Steps {
		if err := ctx.Err(); err != nil {
			traj.Finalize(trajectory.OutcomeAborted, "cancelled")
			return traj, err
		}
		if executed >= f.maxSteps {
			traj.Finalize(trajectory.OutcomeAborted, "step_budget_exceeded")
			return traj, fmt.Errorf("step budget of %d exceeded at step %s", f.maxSteps, step.ID)
		}

		tool, ok := f.pickTool(plan, step)
		if !ok {
			// Optional step whose tools were all trimmed away.
			traj.Append(trajectory.Entry{StepID: step.ID, Tool: step.Tool, Skipped: true})
			f.logger.Debug("Skipping trimmed step",
				zap.String("session_id", snap.SessionID),
				zap.String("step", step.ID))
			continue
		}

		args := f.bindArgs(step, plan, snap, overrides)

		if allowed, reason, err := f.gateAllows(ctx, tool, plan); err != nil || !allowed {
			if err == nil {
				err = fmt.Errorf("denied by tool gate: %s", reason)
			}
			traj.Append(trajectory.Entry{StepID: step.ID, Tool: tool, Args: args, Error: err.Error()})
			traj.Finalize(trajectory.OutcomeAborted, "tool_gate_denied")
			return traj, &ToolExecutionError{StepID: step.ID, Tool: tool, Err: err}
		}

		sig := invocationSig(tool, args)
		if sig == lastSig {
			repeats++
			if repeats >= f.maxRepeats {
				traj.Finalize(trajectory.OutcomeAborted, "repeated_tool_call")
				return traj, fmt.Errorf("tool %s invoked identically %d times in a row", tool, repeats+1)
			}
		} else {
			lastSig, repeats = sig, 0
		}

		result, err := f.executor.Invoke(ctx, tool, args)
		executed++
		if err != nil {
			traj.Append(trajectory.Entry{StepID: step.ID, Tool: tool, Args: args, Error: err.Error()})
			traj.Finalize(trajectory.OutcomeAborted, "tool_failure")
			return traj, &ToolExecutionError{StepID: step.ID, Tool: tool, Err: err}
		}

		traj.Append(trajectory.Entry{StepID: step.ID, Tool: tool, Args: args, Result: result})
		metrics.TrajectoryStepsExecuted.WithLabelValues(snap.Domain, snap.Intent).Inc()

		if step.Terminal {
			break
		}
	}

	traj.Finalize(trajectory.OutcomeCompleted, "")
	return traj, nil
}

// pickTool resolves a step to an allowed tool: the primary when it survived
// personalization, otherwise the first allowed alternative.
func (f *Fulfiller) pickTool(plan *PersonalizedPlan, step registry.Step) (string, bool) {
	if plan.Allowed(step.Tool) {
		return step.Tool, true
	}
	for _, alt := range step.Alternatives {
		if plan.Allowed(alt) {
			return alt, true
		}
	}
	return "", false
}

// bindArgs resolves a step's declared parameters. A value the user stated in
// conversation after dispatch always wins over a prefilled one.
func (f *Fulfiller) bindArgs(step registry.Step, plan *PersonalizedPlan, snap *session.Snapshot, overrides map[string]string) map[string]interface{} {
	args := make(map[string]interface{})
	args["user_id"] = snap.UserID
	for _, param := range step.Params {
		if v, ok := overrides[param]; ok {
			args[param] = v
			continue
		}
		if v, ok := plan.Personalization.PrefilledParameters[param]; ok {
			args[param] = v
		}
	}
	return args
}

func (f *Fulfiller) gateAllows(ctx context.Context, tool string, plan *PersonalizedPlan) (bool, string, error) {
	if f.gate == nil {
		return true, "", nil
	}
	return f.gate.Allow(ctx, tool, plan.Sensitive(tool), plan.Auth.Outcome == AuthVerified)
}

func invocationSig(tool string, args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return tool
	}
	return tool + "|" + string(data)
}
