package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/tools"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

func verifiedAuth() AuthResult {
	return AuthResult{Outcome: AuthVerified, Timestamp: time.Now()}
}

func TestPlanRequiresVerifiedAuth(t *testing.T) {
	tmpl, toolSet := bookFlightTemplate()

	for _, outcome := range []AuthOutcome{AuthFailed, AuthPending} {
		_, err := NewPersonalizedPlan(AuthResult{Outcome: outcome}, PersonalizationResult{}, tmpl, toolSet)
		assert.ErrorIs(t, err, ErrNotVerified)
	}

	plan, err := NewPersonalizedPlan(verifiedAuth(), PersonalizationResult{}, tmpl, toolSet)
	require.NoError(t, err)
	// Empty reduction means the full set stays available.
	assert.True(t, plan.Allowed("search_flights"))
	assert.True(t, plan.Allowed("book_flight"))
}

func TestExecuteRestrictedToReducedSetWithPrefill(t *testing.T) {
	tmpl, toolSet := bookFlightTemplate()
	pers := PersonalizationResult{
		ReducedToolSet:      []string{"search_flights", "book_flight", "complete_case"},
		PrefilledParameters: map[string]string{"origin": "JFK"},
	}
	plan, err := NewPersonalizedPlan(verifiedAuth(), pers, tmpl, toolSet)
	require.NoError(t, err)

	exec := tools.NewSimulatedExecutor()
	f := NewFulfiller(exec, zap.NewNop())
	snap := snapshotWithHistory(session.Turn{Role: "user", Content: "book me a flight"})

	traj, err := f.Execute(context.Background(), plan, snap, nil)
	require.NoError(t, err)
	assert.True(t, traj.Finalized())
	assert.Equal(t, trajectory.OutcomeCompleted, traj.Outcome)

	calls := exec.Calls()
	invoked := make([]string, 0, len(calls))
	for _, c := range calls {
		invoked = append(invoked, c.Tool)
	}
	// check_loyalty_status was trimmed and its step is optional, so it is
	// skipped rather than invoked.
	assert.Equal(t, []string{"search_flights", "book_flight", "complete_case"}, invoked)
	assert.Equal(t, "JFK", calls[0].Args["origin"])
	assert.Equal(t, "JFK", calls[1].Args["origin"])

	// The skipped step still leaves a trajectory mark.
	var skipped int
	for _, e := range traj.Entries {
		if e.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestExecuteUserOverrideBeatsPrefill(t *testing.T) {
	tmpl, toolSet := bookFlightTemplate()
	pers := PersonalizationResult{PrefilledParameters: map[string]string{"origin": "JFK"}}
	plan, err := NewPersonalizedPlan(verifiedAuth(), pers, tmpl, toolSet)
	require.NoError(t, err)

	exec := tools.NewSimulatedExecutor()
	f := NewFulfiller(exec, zap.NewNop())
	snap := snapshotWithHistory(session.Turn{Role: "user", Content: "actually leave from EWR"})

	_, err = f.Execute(context.Background(), plan, snap, map[string]string{"origin": "EWR"})
	require.NoError(t, err)

	calls := exec.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "EWR", calls[0].Args["origin"])
}

func TestExecuteSurfacesToolFailureWithStep(t *testing.T) {
	tmpl, toolSet := bookFlightTemplate()
	plan, err := NewPersonalizedPlan(verifiedAuth(), PersonalizationResult{}, tmpl, toolSet)
	require.NoError(t, err)

	exec := tools.NewSimulatedExecutor()
	exec.SetError("book_flight", errors.New("payment declined"))
	f := NewFulfiller(exec, zap.NewNop())
	snap := snapshotWithHistory()

	traj, err := f.Execute(context.Background(), plan, snap, nil)
	require.Error(t, err)

	var terr *ToolExecutionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "book", terr.StepID)
	assert.Equal(t, "book_flight", terr.Tool)

	assert.True(t, traj.Finalized())
	assert.Equal(t, trajectory.OutcomeAborted, traj.Outcome)
	assert.Equal(t, "tool_failure", traj.AbortReason)
	// The failing step is recorded, nothing past it runs.
	last := traj.Entries[len(traj.Entries)-1]
	assert.Equal(t, "book", last.StepID)
	assert.NotEmpty(t, last.Error)
}

func TestExecuteUsesAlternativeForTrimmedMandatoryStep(t *testing.T) {
	tmpl, toolSet := bookFlightTemplate()
	pers := PersonalizationResult{
		ReducedToolSet: []string{"search_flights_partner", "book_flight", "complete_case"},
	}
	plan, err := NewPersonalizedPlan(verifiedAuth(), pers, tmpl, toolSet)
	require.NoError(t, err)

	exec := tools.NewSimulatedExecutor()
	f := NewFulfiller(exec, zap.NewNop())

	_, err = f.Execute(context.Background(), plan, snapshotWithHistory(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, exec.Calls())
	assert.Equal(t, "search_flights_partner", exec.Calls()[0].Tool)
}

func TestExecuteStopsAtTerminalStep(t *testing.T) {
	toolSet := []registry.ToolDescriptor{
		{Name: "lookup_account"},
		{Name: "complete_case"},
		{Name: "send_survey"},
	}
	tmpl := &registry.WorkflowTemplate{
		Domain: "banking",
		Intent: "update_address",
		Steps: []registry.Step{
			{ID: "lookup", Tool: "lookup_account", Mandatory: true},
			{ID: "finish", Tool: "complete_case", Mandatory: true, Terminal: true},
			{ID: "survey", Tool: "send_survey"},
		},
	}
	plan, err := NewPersonalizedPlan(verifiedAuth(), PersonalizationResult{}, tmpl, toolSet)
	require.NoError(t, err)

	exec := tools.NewSimulatedExecutor()
	f := NewFulfiller(exec, zap.NewNop())

	traj, err := f.Execute(context.Background(), plan, snapshotWithHistory(), nil)
	require.NoError(t, err)
	assert.Equal(t, trajectory.OutcomeCompleted, traj.Outcome)
	// Nothing after the terminal step runs.
	for _, c := range exec.Calls() {
		assert.NotEqual(t, "send_survey", c.Tool)
	}
}

func TestExecuteAbortsOnRepeatedIdenticalCalls(t *testing.T) {
	toolSet := []registry.ToolDescriptor{{Name: "poll_status"}, {Name: "complete_case"}}
	steps := make([]registry.Step, 0, 6)
	for i := 0; i < 5; i++ {
		steps = append(steps, registry.Step{ID: "poll", Tool: "poll_status"})
	}
	steps = append(steps, registry.Step{ID: "finish", Tool: "complete_case", Terminal: true})
	tmpl := &registry.WorkflowTemplate{Domain: "flights", Intent: "cancel_flight", Steps: steps}

	plan, err := NewPersonalizedPlan(verifiedAuth(), PersonalizationResult{}, tmpl, toolSet)
	require.NoError(t, err)

	f := NewFulfiller(tools.NewSimulatedExecutor(), zap.NewNop(), WithRepeatGuard(3))
	traj, err := f.Execute(context.Background(), plan, snapshotWithHistory(), nil)
	require.Error(t, err)
	assert.Equal(t, trajectory.OutcomeAborted, traj.Outcome)
	assert.Equal(t, "repeated_tool_call", traj.AbortReason)
}

type denyAllGate struct{}

func (denyAllGate) Allow(_ context.Context, tool string, sensitive, verified bool) (bool, string, error) {
	if sensitive {
		return false, "sensitive tool blocked", nil
	}
	return true, "", nil
}

func TestExecuteHonorsToolGate(t *testing.T) {
	tmpl, toolSet := bookFlightTemplate()
	plan, err := NewPersonalizedPlan(verifiedAuth(), PersonalizationResult{}, tmpl, toolSet)
	require.NoError(t, err)

	f := NewFulfiller(tools.NewSimulatedExecutor(), zap.NewNop(), WithToolGate(denyAllGate{}))
	traj, err := f.Execute(context.Background(), plan, snapshotWithHistory(), nil)
	require.Error(t, err)

	var terr *ToolExecutionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "book_flight", terr.Tool)
	assert.Equal(t, "tool_gate_denied", traj.AbortReason)
}
