package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/concierge-ai/concierge/internal/activities"
	"github.com/concierge-ai/concierge/internal/agents"
	"github.com/concierge-ai/concierge/internal/orchestrator"
	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

func resolveStub(_ context.Context, input activities.ResolveInput) (*activities.ResolveResult, error) {
	return &activities.ResolveResult{
		Intent: "book_flight",
		Template: &registry.WorkflowTemplate{
			Domain: input.Domain,
			Intent: "book_flight",
			Steps: []registry.Step{
				{ID: "search", Tool: "search_flights", Mandatory: true},
				{ID: "book", Tool: "book_flight", Mandatory: true, Terminal: true},
			},
		},
		Tools: []registry.ToolDescriptor{
			{Name: "search_flights"},
			{Name: "book_flight", Sensitive: true},
		},
		Snapshot: &session.Snapshot{
			SessionID: "s-1",
			UserID:    input.UserID,
			Domain:    input.Domain,
			Intent:    "book_flight",
			TakenAt:   time.Now(),
		},
	}, nil
}

func fulfillStub(_ context.Context, input activities.FulfillInput) (*trajectory.Trajectory, error) {
	traj := trajectory.New(input.Snapshot.SessionID, input.Snapshot.Domain, input.Snapshot.Intent)
	_ = traj.Append(trajectory.Entry{StepID: "search", Tool: "search_flights"})
	_ = traj.Append(trajectory.Entry{StepID: "book", Tool: "book_flight"})
	traj.Finalize(trajectory.OutcomeCompleted, "")
	return traj, nil
}

func recordDenialStub(_ context.Context, input activities.DenialInput) (*trajectory.Trajectory, error) {
	return trajectory.NewDenied(input.SessionID, input.Domain, input.Intent, input.Reason), nil
}

func newEnv() *testsuite.TestWorkflowEnvironment {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(resolveStub, activity.RegisterOptions{Name: "Resolve"})
	env.RegisterActivityWithOptions(fulfillStub, activity.RegisterOptions{Name: "Fulfill"})
	env.RegisterActivityWithOptions(recordDenialStub, activity.RegisterOptions{Name: "RecordDenial"})
	return env
}

func TestWorkflowCompletesWhenVerified(t *testing.T) {
	env := newEnv()
	env.RegisterActivityWithOptions(func(_ context.Context, _ *session.Snapshot) (agents.AuthResult, error) {
		return agents.AuthResult{Outcome: agents.AuthVerified, Timestamp: time.Now()}, nil
	}, activity.RegisterOptions{Name: "Verify"})
	env.RegisterActivityWithOptions(func(_ context.Context, _ activities.PersonalizeInput) (agents.PersonalizationResult, error) {
		return agents.PersonalizationResult{ReducedToolSet: []string{"book_flight", "search_flights"}}, nil
	}, activity.RegisterOptions{Name: "Personalize"})

	env.ExecuteWorkflow(PersonalizationWorkflow, PersonalizationInput{
		UserID: "u-1", Domain: "flights", Utterance: "book a flight",
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out PersonalizationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, orchestrator.StateCompleted, out.State)
	assert.False(t, out.Degraded)
	require.NotNil(t, out.Trajectory)
	assert.Equal(t, 2, len(out.Trajectory.Entries))
}

func TestWorkflowDeniesOnAuthFailure(t *testing.T) {
	env := newEnv()
	env.RegisterActivityWithOptions(func(_ context.Context, _ *session.Snapshot) (agents.AuthResult, error) {
		return agents.AuthResult{Outcome: agents.AuthFailed, Reason: "otp_mismatch", Timestamp: time.Now()}, nil
	}, activity.RegisterOptions{Name: "Verify"})
	env.RegisterActivityWithOptions(func(_ context.Context, _ activities.PersonalizeInput) (agents.PersonalizationResult, error) {
		return agents.PersonalizationResult{ReducedToolSet: []string{"book_flight"}}, nil
	}, activity.RegisterOptions{Name: "Personalize"})

	env.ExecuteWorkflow(PersonalizationWorkflow, PersonalizationInput{
		UserID: "u-1", Domain: "flights", Utterance: "book a flight",
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out PersonalizationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, orchestrator.StateAborted, out.State)
	assert.Equal(t, "otp_mismatch", out.AbortReason)
	require.NotNil(t, out.Trajectory)
	assert.Equal(t, trajectory.OutcomeDenied, out.Trajectory.Outcome)
	assert.Empty(t, out.Trajectory.Entries)
}

func TestWorkflowFailsOpenOnPersonalizerError(t *testing.T) {
	env := newEnv()
	env.RegisterActivityWithOptions(func(_ context.Context, _ *session.Snapshot) (agents.AuthResult, error) {
		return agents.AuthResult{Outcome: agents.AuthVerified, Timestamp: time.Now()}, nil
	}, activity.RegisterOptions{Name: "Verify"})
	env.RegisterActivityWithOptions(func(_ context.Context, _ activities.PersonalizeInput) (agents.PersonalizationResult, error) {
		return agents.PersonalizationResult{}, errors.New("backend unavailable")
	}, activity.RegisterOptions{Name: "Personalize"})

	env.ExecuteWorkflow(PersonalizationWorkflow, PersonalizationInput{
		UserID: "u-1", Domain: "flights", Utterance: "book a flight",
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out PersonalizationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, orchestrator.StateCompleted, out.State)
	assert.True(t, out.Degraded)
}
