package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsResult(t *testing.T) {
	h := Run(context.Background(), "test", time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	got, terr := h.Await(context.Background())
	require.Nil(t, terr)
	assert.Equal(t, 42, got)
	assert.False(t, h.CompletedAt().IsZero())
	assert.True(t, h.StartedAt().Before(h.CompletedAt()) || h.StartedAt().Equal(h.CompletedAt()))
}

func TestRunClassifiesTimeout(t *testing.T) {
	h := Run(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	_, terr := h.Await(context.Background())
	require.NotNil(t, terr)
	assert.Equal(t, KindTimeout, terr.Kind)
	assert.Equal(t, "slow", terr.Agent)
}

func TestRunClassifiesInvalidOutput(t *testing.T) {
	h := Run(context.Background(), "bad", time.Second, func(ctx context.Context) (string, error) {
		return "", &ValidationError{Reason: "tool id not in registry"}
	})

	_, terr := h.Await(context.Background())
	require.NotNil(t, terr)
	assert.Equal(t, KindInvalidOutput, terr.Kind)
	assert.Contains(t, terr.Error(), "tool id not in registry")
}

func TestRunClassifiesBackendFailure(t *testing.T) {
	boom := errors.New("connection refused")
	h := Run(context.Background(), "flaky", time.Second, func(ctx context.Context) (string, error) {
		return "", boom
	})

	_, terr := h.Await(context.Background())
	require.NotNil(t, terr)
	assert.Equal(t, KindBackendFailure, terr.Kind)
	assert.True(t, errors.Is(terr, boom))
}

func TestTasksStartBeforeAwait(t *testing.T) {
	// Both tasks must be running before either is awaited: each blocks until
	// the other has started, so serialized execution would deadlock past the
	// task deadlines.
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	a := Run(context.Background(), "a", time.Second, func(ctx context.Context) (string, error) {
		close(aStarted)
		select {
		case <-bStarted:
			return "a-done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	b := Run(context.Background(), "b", time.Second, func(ctx context.Context) (string, error) {
		close(bStarted)
		select {
		case <-aStarted:
			return "b-done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	resA, terrA := a.Await(context.Background())
	resB, terrB := b.Await(context.Background())
	require.Nil(t, terrA)
	require.Nil(t, terrB)
	assert.Equal(t, "a-done", resA)
	assert.Equal(t, "b-done", resB)
}

func TestCancelStopsTask(t *testing.T) {
	h := Run(context.Background(), "cancelled", time.Minute, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	h.Cancel()
	_, terr := h.Await(context.Background())
	require.NotNil(t, terr)
	// Best-effort cancellation surfaces as a terminal error, never a panic.
	assert.Equal(t, KindBackendFailure, terr.Kind)
}

func TestAwaitRespectsCallerContext(t *testing.T) {
	h := Run(context.Background(), "stuck", time.Minute, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	defer h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, terr := h.Await(ctx)
	require.NotNil(t, terr)
	assert.Equal(t, KindTimeout, terr.Kind)
}
