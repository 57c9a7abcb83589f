// Package trajectory records what fulfillment actually did: an ordered,
// append-only log of tool invocations and their results, finalized exactly
// once when the workflow completes or aborts.
package trajectory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrFinalized is returned when an entry is appended after finalization.
var ErrFinalized = errors.New("trajectory already finalized")

// Outcome is the terminal disposition of a trajectory.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDenied    Outcome = "denied"
	OutcomeAborted   Outcome = "aborted"
)

// Entry is one executed (or deliberately skipped) workflow step.
type Entry struct {
	StepID    string                 `json:"step_id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Skipped   bool                   `json:"skipped,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Trajectory is the ordered record of one fulfillment run.
type Trajectory struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Domain      string    `json:"domain"`
	Intent      string    `json:"intent"`
	Entries     []Entry   `json:"entries"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	AbortReason string    `json:"abort_reason,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"`

	finalized bool
}

// New starts an empty trajectory for a session.
func New(sessionID, domain, intent string) *Trajectory {
	return &Trajectory{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Domain:    domain,
		Intent:    intent,
		StartedAt: time.Now(),
	}
}

// NewDenied produces the empty denied-marker trajectory for a session whose
// gate decision was Denied. It is already finalized; nothing can be appended.
func NewDenied(sessionID, domain, intent, reason string) *Trajectory {
	t := New(sessionID, domain, intent)
	t.finalized = true
	t.Outcome = OutcomeDenied
	t.AbortReason = reason
	t.FinalizedAt = time.Now()
	return t
}

// Append adds one entry. Appending after finalization is refused.
func (t *Trajectory) Append(e Entry) error {
	if t.finalized {
		return ErrFinalized
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	t.Entries = append(t.Entries, e)
	return nil
}

// Finalize seals the trajectory with a terminal outcome. Finalizing twice is
// a no-op; the first outcome wins.
func (t *Trajectory) Finalize(outcome Outcome, reason string) {
	if t.finalized {
		return
	}
	t.finalized = true
	t.Outcome = outcome
	t.AbortReason = reason
	t.FinalizedAt = time.Now()
}

// Finalized reports whether the trajectory is sealed.
func (t *Trajectory) Finalized() bool { return t.finalized }

// Len returns the number of recorded entries.
func (t *Trajectory) Len() int { return len(t.Entries) }
