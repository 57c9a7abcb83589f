package trajectory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRefusedAfterFinalize(t *testing.T) {
	traj := New("s1", "flights", "book_flight")
	require.NoError(t, traj.Append(Entry{StepID: "search", Tool: "search_flights"}))

	traj.Finalize(OutcomeCompleted, "")
	assert.True(t, traj.Finalized())
	assert.ErrorIs(t, traj.Append(Entry{StepID: "late", Tool: "book_flight"}), ErrFinalized)
	assert.Equal(t, 1, traj.Len())
}

func TestFirstFinalizeWins(t *testing.T) {
	traj := New("s1", "flights", "book_flight")
	traj.Finalize(OutcomeAborted, "tool_failure")
	traj.Finalize(OutcomeCompleted, "")

	assert.Equal(t, OutcomeAborted, traj.Outcome)
	assert.Equal(t, "tool_failure", traj.AbortReason)
}

func TestDeniedMarkerIsEmptyAndSealed(t *testing.T) {
	traj := NewDenied("s1", "flights", "book_flight", "otp_mismatch")

	assert.Equal(t, 0, traj.Len())
	assert.True(t, traj.Finalized())
	assert.Equal(t, OutcomeDenied, traj.Outcome)
	assert.Equal(t, "otp_mismatch", traj.AbortReason)
	assert.ErrorIs(t, traj.Append(Entry{Tool: "search_flights"}), ErrFinalized)
}

type closableBuffer struct{ bytes.Buffer }

func (*closableBuffer) Close() error { return nil }

func TestEventLogWritesOrderedJSONLines(t *testing.T) {
	buf := &closableBuffer{}
	log := NewEventLog(buf)

	require.NoError(t, log.Write("s1", "state_transition", map[string]interface{}{"to": "Dispatching"}))
	require.NoError(t, log.Write("s1", "tool_call", map[string]interface{}{"tool": "search_flights"}))
	require.NoError(t, log.Close())

	scanner := bufio.NewScanner(&buf.Buffer)
	var events []Event
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "state_transition", events[0].Type)
	assert.Equal(t, "tool_call", events[1].Type)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, "search_flights", events[1].Data["tool"])
}
