// Package orchestrator owns the session state machine: it resolves intent,
// dispatches the authenticator and personalizer concurrently against one
// immutable snapshot, joins their results under an asymmetric gate, and
// drives fulfillment only when identity is verified.
package orchestrator

import (
	"time"

	"github.com/concierge-ai/concierge/internal/agent"
	"github.com/concierge-ai/concierge/internal/agents"
)

// State is one node of the orchestration state machine.
type State string

const (
	StateInit             State = "Init"
	StateIntentIdentified State = "IntentIdentified"
	StateDispatching      State = "Dispatching"
	StateAwaitingJoin     State = "AwaitingJoin"
	StateGatedDenied      State = "Gated(Denied)"
	StateGatedApproved    State = "Gated(Approved)"
	StateFulfilling       State = "Fulfilling"
	StateCompleted        State = "Completed"
	StateAborted          State = "Aborted"
)

// Transition is one recorded state change, timestamped so callers can
// reconstruct wall-clock concurrency.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// GateDecision is the join verdict.
type GateDecision string

const (
	GateApproved GateDecision = "approved"
	GateDenied   GateDecision = "denied"
)

// GateResult is the complete outcome of the join policy.
type GateResult struct {
	Decision GateDecision
	Reason   string

	// Personalization carries the (possibly degraded) personalizer output on
	// approval. Degraded is true when a personalizer failure or timeout was
	// replaced by the empty reduction.
	Personalization agents.PersonalizationResult
	Degraded        bool
}

// Gate applies the asymmetric join policy to the two task results.
//
// Authentication has authority: any non-verified outcome, error or timeout
// denies, fail-closed. Personalization never does: its failures degrade to
// the empty reduction, fail-open. Correct under either completion order
// because it only inspects terminal results.
func Gate(auth agents.AuthResult, authErr *agent.TaskError, pers agents.PersonalizationResult, persErr *agent.TaskError) GateResult {
	if authErr != nil {
		reason := "auth_failure"
		switch authErr.Kind {
		case agent.KindTimeout:
			reason = "auth_timeout"
		case agent.KindInvalidOutput:
			reason = "auth_invalid_output"
		}
		return GateResult{Decision: GateDenied, Reason: reason}
	}

	switch auth.Outcome {
	case agents.AuthVerified:
	case agents.AuthPending:
		return GateResult{Decision: GateDenied, Reason: "verification_pending"}
	default:
		reason := auth.Reason
		if reason == "" {
			reason = "authentication failed"
		}
		return GateResult{Decision: GateDenied, Reason: reason}
	}

	if persErr != nil {
		return GateResult{Decision: GateApproved, Degraded: true}
	}
	return GateResult{Decision: GateApproved, Personalization: pers}
}
