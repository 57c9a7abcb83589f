// Package workflows holds the Temporal workflow for durable orchestration.
// It mirrors the in-process engine's state machine: resolve, dispatch the
// authenticator and personalizer in parallel, join under the asymmetric
// gate, then fulfill. Durability means a worker crash resumes the run
// instead of losing it.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/concierge-ai/concierge/internal/activities"
	"github.com/concierge-ai/concierge/internal/agent"
	"github.com/concierge-ai/concierge/internal/agents"
	"github.com/concierge-ai/concierge/internal/orchestrator"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

// PersonalizationInput starts one durable orchestration.
type PersonalizationInput struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Domain    string `json:"domain"`
	Intent    string `json:"intent,omitempty"`
	Utterance string `json:"utterance"`

	AuthTimeout         time.Duration `json:"auth_timeout,omitempty"`
	PersonalizerTimeout time.Duration `json:"personalizer_timeout,omitempty"`
}

// PersonalizationResult is the durable-mode counterpart of the engine's
// outcome.
type PersonalizationResult struct {
	SessionID   string                 `json:"session_id"`
	State       orchestrator.State     `json:"state"`
	AbortReason string                 `json:"abort_reason,omitempty"`
	Auth        agents.AuthResult      `json:"auth"`
	GateReason  string                 `json:"gate_reason,omitempty"`
	Degraded    bool                   `json:"degraded,omitempty"`
	Trajectory  *trajectory.Trajectory `json:"trajectory,omitempty"`
}

// PersonalizationWorkflow drives one session through resolve, parallel
// dispatch, gate and fulfillment.
func PersonalizationWorkflow(ctx workflow.Context, input PersonalizationInput) (PersonalizationResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting personalization workflow",
		"user_id", input.UserID,
		"domain", input.Domain,
	)

	authTimeout := input.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	persTimeout := input.PersonalizerTimeout
	if persTimeout <= 0 {
		persTimeout = 8 * time.Second
	}

	resolveCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	var resolved activities.ResolveResult
	if err := workflow.ExecuteActivity(resolveCtx, "Resolve", activities.ResolveInput{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Domain:    input.Domain,
		Intent:    input.Intent,
		Utterance: input.Utterance,
	}).Get(ctx, &resolved); err != nil {
		return PersonalizationResult{
			SessionID:   input.SessionID,
			State:       orchestrator.StateAborted,
			AbortReason: abortReason(err, orchestrator.AbortIntentUnresolved),
		}, err
	}
	snap := resolved.Snapshot

	// Dispatch both agents before awaiting either. The personalizer gets a
	// cancellable context so a denial stops it instead of waiting it out.
	authCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: authTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	persCtx, cancelPers := workflow.WithCancel(workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: persTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}))

	authFut := workflow.ExecuteActivity(authCtx, "Verify", snap)
	persFut := workflow.ExecuteActivity(persCtx, "Personalize", activities.PersonalizeInput{
		Snapshot: snap,
		Template: resolved.Template,
		Tools:    resolved.Tools,
	})

	// Authentication has authority, so it is awaited first. A slow
	// personalizer never delays a denial.
	var auth agents.AuthResult
	authErr := toTaskError("authenticator", authFut.Get(ctx, &auth))

	var pers agents.PersonalizationResult
	var persErr *agent.TaskError
	if authErr == nil && auth.Outcome == agents.AuthVerified {
		persErr = toTaskError("personalizer", persFut.Get(ctx, &pers))
	} else {
		cancelPers()
		persErr = &agent.TaskError{Agent: "personalizer", Kind: agent.KindBackendFailure, Err: errors.New("cancelled on denial")}
	}

	gate := orchestrator.Gate(auth, authErr, pers, persErr)
	logger.Info("Gate decided",
		"decision", string(gate.Decision),
		"reason", gate.Reason,
	)

	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})

	if gate.Decision == orchestrator.GateDenied {
		var traj *trajectory.Trajectory
		if err := workflow.ExecuteActivity(recordCtx, "RecordDenial", activities.DenialInput{
			SessionID: snap.SessionID,
			Domain:    snap.Domain,
			Intent:    resolved.Intent,
			Reason:    gate.Reason,
		}).Get(ctx, &traj); err != nil {
			logger.Error("Denial record failed", "error", err)
		}
		return PersonalizationResult{
			SessionID:   snap.SessionID,
			State:       orchestrator.StateAborted,
			AbortReason: gate.Reason,
			Auth:        auth,
			GateReason:  gate.Reason,
			Trajectory:  traj,
		}, nil
	}

	fulfillCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	var traj *trajectory.Trajectory
	if err := workflow.ExecuteActivity(fulfillCtx, "Fulfill", activities.FulfillInput{
		Snapshot:        snap,
		Template:        resolved.Template,
		Tools:           resolved.Tools,
		Auth:            auth,
		Personalization: gate.Personalization,
	}).Get(ctx, &traj); err != nil {
		return PersonalizationResult{
			SessionID:   snap.SessionID,
			State:       orchestrator.StateAborted,
			AbortReason: abortReason(err, orchestrator.AbortToolFailure),
			Auth:        auth,
			Degraded:    gate.Degraded,
			Trajectory:  traj,
		}, err
	}

	logger.Info("Personalization workflow completed",
		"session_id", snap.SessionID,
		"steps", traj.Len(),
	)
	return PersonalizationResult{
		SessionID:  snap.SessionID,
		State:      orchestrator.StateCompleted,
		Auth:       auth,
		Degraded:   gate.Degraded,
		Trajectory: traj,
	}, nil
}

// toTaskError maps a Temporal activity error onto the gate's error model.
func toTaskError(name string, err error) *agent.TaskError {
	if err == nil {
		return nil
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &agent.TaskError{Agent: name, Kind: agent.KindTimeout, Err: err}
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == activities.ErrTypeInvalidOutput {
		return &agent.TaskError{Agent: name, Kind: agent.KindInvalidOutput, Err: err}
	}
	return &agent.TaskError{Agent: name, Kind: agent.KindBackendFailure, Err: err}
}

// abortReason extracts the structured abort type from an application error.
func abortReason(err error, fallback string) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return appErr.Type()
	}
	return fallback
}
