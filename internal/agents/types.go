// Package agents holds the concrete agent roles the orchestrator dispatches:
// identity verification, workflow personalization and fulfillment. Each role
// consumes an immutable session snapshot and produces a typed result; the
// asynchronous wrapping lives in internal/agent.
package agents

import (
	"errors"
	"time"
)

// AuthOutcome is the terminal state of an identity verification attempt.
type AuthOutcome string

const (
	AuthVerified AuthOutcome = "verified"
	AuthFailed   AuthOutcome = "failed"
	AuthPending  AuthOutcome = "pending"
)

// ErrNotVerified is returned when a plan is constructed from a non-verified
// auth result. This is a programming error in the caller, not a runtime
// condition to recover from.
var ErrNotVerified = errors.New("plan requires a verified auth result")

// AuthResult is produced exactly once per session by the authenticator.
// Immutable once the outcome is terminal.
type AuthResult struct {
	Outcome   AuthOutcome `json:"outcome"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Terminal reports whether the outcome can no longer change.
func (r AuthResult) Terminal() bool {
	return r.Outcome == AuthVerified || r.Outcome == AuthFailed
}

// PersonalizationResult is the personalizer's proposed narrowing of the
// workflow. An empty reduction is legitimate and means "no personalization".
type PersonalizationResult struct {
	ReducedToolSet      []string          `json:"reduced_tool_set"`
	PrefilledParameters map[string]string `json:"prefilled_parameters,omitempty"`
	Confidence          float64           `json:"confidence"`

	// TokensUsed is the backend spend of the call that produced this result.
	// Zero when served from cache.
	TokensUsed int `json:"tokens_used,omitempty"`
}

// Empty reports whether the result carries no reduction and no parameters.
func (r PersonalizationResult) Empty() bool {
	return len(r.ReducedToolSet) == 0 && len(r.PrefilledParameters) == 0
}
