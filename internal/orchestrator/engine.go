package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/agent"
	"github.com/concierge-ai/concierge/internal/agents"
	"github.com/concierge-ai/concierge/internal/metrics"
	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/streaming"
	"github.com/concierge-ai/concierge/internal/tools"
	"github.com/concierge-ai/concierge/internal/tracing"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

// Abort reasons surfaced to callers on non-completed outcomes.
const (
	AbortIntentUnresolved = "intent_unresolved"
	AbortUnknownDomain    = "unknown_domain"
	AbortToolFailure      = "tool_failure"
)

// Verifier produces the identity verdict for a snapshot.
type Verifier interface {
	Verify(ctx context.Context, snap *session.Snapshot) (agents.AuthResult, error)
}

// PersonalizerAgent proposes the personalized tool reduction.
type PersonalizerAgent interface {
	Personalize(ctx context.Context, snap *session.Snapshot, tmpl *registry.WorkflowTemplate, fullTools []registry.ToolDescriptor) (agents.PersonalizationResult, error)
}

// FulfillmentAgent executes an approved plan into a trajectory.
type FulfillmentAgent interface {
	Execute(ctx context.Context, plan *agents.PersonalizedPlan, snap *session.Snapshot, overrides map[string]string) (*trajectory.Trajectory, error)
}

// TrajectoryStore persists finalized trajectories.
type TrajectoryStore interface {
	SaveTrajectory(ctx context.Context, traj *trajectory.Trajectory) error
}

// Config holds orchestration timeouts and guards.
type Config struct {
	AuthTimeout         time.Duration `mapstructure:"auth_timeout"`
	PersonalizerTimeout time.Duration `mapstructure:"personalizer_timeout"`
	EventLogDir         string        `mapstructure:"event_log_dir"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:         10 * time.Second,
		PersonalizerTimeout: 8 * time.Second,
	}
}

// Dependencies wires the engine's collaborators. Registry and Sessions are
// required; the rest may be nil and are skipped.
type Dependencies struct {
	Registry     *registry.Registry
	Sessions     *session.Manager
	Verifier     Verifier
	Personalizer PersonalizerAgent
	Fulfiller    FulfillmentAgent

	// InfoExecutor runs the intent's info-gathering tools before dispatch.
	InfoExecutor tools.Executor
	Store        TrajectoryStore
	Events       *streaming.Manager
}

// Request is one orchestration invocation. SessionID may name an existing
// session; when empty a new one is created. Intent may be empty, in which
// case it is resolved from the utterance.
type Request struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Domain    string `json:"domain"`
	Intent    string `json:"intent,omitempty"`
	Utterance string `json:"utterance"`
}

// Outcome is the caller-facing result: a finalized trajectory on completion
// or a structured abort record, plus everything needed to audit the run.
type Outcome struct {
	SessionID   string                       `json:"session_id"`
	State       State                        `json:"state"`
	AbortReason string                       `json:"abort_reason,omitempty"`
	Auth        agents.AuthResult            `json:"auth"`
	Gate        GateResult                   `json:"gate"`
	Trajectory  *trajectory.Trajectory       `json:"trajectory,omitempty"`
	Transitions []Transition                 `json:"transitions"`

	// Dispatch/join timestamps prove the two agent tasks overlapped.
	AuthStartedAt         time.Time `json:"auth_started_at,omitempty"`
	PersonalizerStartedAt time.Time `json:"personalizer_started_at,omitempty"`
	JoinedAt              time.Time `json:"joined_at,omitempty"`
}

// Engine drives sessions through the state machine.
type Engine struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates an orchestration engine.
func NewEngine(deps Dependencies, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Registry == nil {
		return nil, errors.New("orchestrator requires a registry")
	}
	if deps.Sessions == nil {
		return nil, errors.New("orchestrator requires a session manager")
	}
	if deps.Verifier == nil || deps.Personalizer == nil || deps.Fulfiller == nil {
		return nil, errors.New("orchestrator requires all three agents")
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultConfig().AuthTimeout
	}
	if cfg.PersonalizerTimeout <= 0 {
		cfg.PersonalizerTimeout = DefaultConfig().PersonalizerTimeout
	}
	return &Engine{deps: deps, cfg: cfg, logger: logger}, nil
}

// run carries mutable per-invocation state.
type run struct {
	sess     *session.Session
	outcome  *Outcome
	state    State
	eventLog *trajectory.EventLog
}

// Run drives one request to a terminal state. Infrastructure failures
// (session store unreachable) return an error; domain-level aborts are
// structured into the Outcome with a nil error.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	started := time.Now()
	metrics.OrchestrationsStarted.WithLabelValues(req.Domain, req.Intent).Inc()

	sess, err := e.loadSession(ctx, req)
	if err != nil {
		return nil, err
	}

	r := &run{
		sess:    sess,
		state:   StateInit,
		outcome: &Outcome{SessionID: sess.ID, Transitions: []Transition{}},
	}

	// One JSONL file per session, mirroring DB persistence as a flat
	// replayable stream.
	if e.cfg.EventLogDir != "" {
		eventLog, logErr := trajectory.OpenEventLog(e.cfg.EventLogDir, sess.ID)
		if logErr != nil {
			e.logger.Warn("Event log unavailable", zap.String("session_id", sess.ID), zap.Error(logErr))
		} else {
			r.eventLog = eventLog
			defer eventLog.Close()
		}
	}

	outcome := e.drive(ctx, r, req)

	metrics.OrchestrationDuration.WithLabelValues(sess.Domain, sess.Intent).Observe(time.Since(started).Seconds())
	metrics.OrchestrationsCompleted.WithLabelValues(sess.Domain, sess.Intent, string(outcome.State)).Inc()
	return outcome, nil
}

func (e *Engine) drive(ctx context.Context, r *run, req Request) *Outcome {
	sess := r.sess

	// Init -> IntentIdentified: resolve the intent from the utterance.
	intent := req.Intent
	if intent == "" {
		resolved, err := e.deps.Registry.ResolveIntent(sess.Domain, req.Utterance)
		if err != nil {
			return e.abort(r, AbortIntentUnresolved, err)
		}
		intent = resolved
	}
	sess.Intent = intent
	e.transition(r, StateIntentIdentified, intent)

	// IntentIdentified -> Dispatching: fetch template and full tool set.
	tmpl, fullTools, err := e.deps.Registry.Lookup(sess.Domain, intent)
	if err != nil {
		return e.abort(r, AbortUnknownDomain, err)
	}
	e.transition(r, StateDispatching, "")

	// Info-gathering pre-pass so both agents see the same enriched context.
	e.gatherClientInfo(ctx, sess, tmpl)
	e.saveSession(ctx, sess)

	// Copy-on-dispatch: both tasks read the identical frozen snapshot.
	snap := sess.Snapshot()

	authTask := agent.Run(ctx, "authenticator", e.cfg.AuthTimeout, func(c context.Context) (agents.AuthResult, error) {
		return e.deps.Verifier.Verify(c, snap)
	})
	persTask := agent.Run(ctx, "personalizer", e.cfg.PersonalizerTimeout, func(c context.Context) (agents.PersonalizationResult, error) {
		return e.deps.Personalizer.Personalize(c, snap, tmpl, fullTools)
	})
	r.outcome.AuthStartedAt = authTask.StartedAt()
	r.outcome.PersonalizerStartedAt = persTask.StartedAt()
	e.publish(sess.ID, streaming.Event{Type: streaming.EventAgentStarted, Agent: "authenticator"})
	e.publish(sess.ID, streaming.Event{Type: streaming.EventAgentStarted, Agent: "personalizer"})
	e.transition(r, StateAwaitingJoin, "")

	// Authentication is awaited first: a slow personalizer must never delay
	// a denial. On a verified outcome the personalizer is awaited too, so
	// the gate always sees two terminal results.
	authRes, authErr := authTask.Await(ctx)
	e.publish(sess.ID, streaming.Event{Type: streaming.EventAgentFinished, Agent: "authenticator"})

	var persRes agents.PersonalizationResult
	var persErr *agent.TaskError
	if authErr == nil && authRes.Outcome == agents.AuthVerified {
		persRes, persErr = persTask.Await(ctx)
	} else {
		// Denial path: stop personalization work instead of awaiting it.
		persTask.Cancel()
		persErr = &agent.TaskError{Agent: "personalizer", Kind: agent.KindBackendFailure, Err: context.Canceled}
	}
	e.publish(sess.ID, streaming.Event{Type: streaming.EventAgentFinished, Agent: "personalizer"})
	r.outcome.JoinedAt = time.Now()
	r.outcome.Auth = authRes

	gate := Gate(authRes, authErr, persRes, persErr)
	r.outcome.Gate = gate
	metrics.GatingDecisions.WithLabelValues(string(gate.Decision), gate.Reason).Inc()
	if gate.Degraded {
		metrics.PersonalizerDegradations.WithLabelValues("task_error").Inc()
	}
	e.publish(sess.ID, streaming.Event{
		Type:    streaming.EventGateDecision,
		Message: gate.Reason,
		Data:    map[string]interface{}{"decision": string(gate.Decision), "degraded": gate.Degraded},
	})

	if gate.Decision == GateDenied {
		e.transition(r, StateGatedDenied, gate.Reason)
		traj := trajectory.NewDenied(sess.ID, sess.Domain, sess.Intent, gate.Reason)
		e.saveTrajectory(ctx, traj)
		r.outcome.Trajectory = traj
		return e.abort(r, gate.Reason, nil)
	}

	e.transition(r, StateGatedApproved, gate.Reason)

	if authErr == nil && authRes.Outcome == agents.AuthVerified {
		sess.Verified = true
		if persErr == nil {
			sess.AddTokens(persRes.TokensUsed)
		}
		e.saveSession(ctx, sess)
	}

	plan, err := agents.NewPersonalizedPlan(authRes, gate.Personalization, tmpl, fullTools)
	if err != nil {
		// Unreachable past an approved gate; treated as a programming error.
		e.logger.Error("Plan construction failed after approval", zap.Error(err))
		return e.abort(r, "plan_construction_failed", err)
	}

	e.transition(r, StateFulfilling, "")
	traj, execErr := e.deps.Fulfiller.Execute(ctx, plan, snap, sess.ParamOverrides)
	r.outcome.Trajectory = traj
	e.saveTrajectory(ctx, traj)
	e.recordToolEvents(r, traj)

	if execErr != nil {
		reason := AbortToolFailure
		if traj != nil && traj.AbortReason != "" {
			reason = traj.AbortReason
		}
		return e.abort(r, reason, execErr)
	}

	e.transition(r, StateCompleted, "")
	e.publish(sess.ID, streaming.Event{Type: streaming.EventCompleted})
	return r.outcome
}

func (e *Engine) loadSession(ctx context.Context, req Request) (*session.Session, error) {
	if req.SessionID != "" {
		sess, err := e.deps.Sessions.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
		}
		if req.Utterance != "" {
			sess.AddTurn(session.Turn{Role: "user", Content: req.Utterance, Timestamp: time.Now()})
		}
		return sess, nil
	}

	sess, err := e.deps.Sessions.CreateSession(ctx, req.UserID, req.Domain)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if req.Utterance != "" {
		sess.AddTurn(session.Turn{Role: "user", Content: req.Utterance, Timestamp: time.Now()})
	}
	return sess, nil
}

// gatherClientInfo runs the intent's info tools and folds results into the
// session before dispatch. Failures are logged and skipped; missing context
// degrades personalization quality, not correctness.
func (e *Engine) gatherClientInfo(ctx context.Context, sess *session.Session, tmpl *registry.WorkflowTemplate) {
	if e.deps.InfoExecutor == nil {
		return
	}
	for _, tool := range tmpl.InfoTools {
		result, err := e.deps.InfoExecutor.Invoke(ctx, tool, map[string]interface{}{"user_id": sess.UserID})
		if err != nil {
			e.logger.Warn("Info tool failed",
				zap.String("session_id", sess.ID),
				zap.String("tool", tool),
				zap.Error(err))
			continue
		}
		sess.MergeClientInfo(map[string]interface{}{tool: result})
	}
}

func (e *Engine) transition(r *run, to State, reason string) {
	tr := Transition{From: r.state, To: to, Reason: reason, At: time.Now()}
	r.state = to
	r.outcome.State = to
	r.outcome.Transitions = append(r.outcome.Transitions, tr)

	e.logger.Info("State transition",
		zap.String("session_id", r.sess.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("reason", reason))
	e.publish(r.sess.ID, streaming.Event{Type: streaming.EventStateTransition, State: string(to), Message: reason})
	if r.eventLog != nil {
		_ = r.eventLog.Write(r.sess.ID, "state_transition", map[string]interface{}{
			"from": string(tr.From), "to": string(tr.To), "reason": reason,
		})
	}
}

// recordToolEvents emits one tool_called plus tool_output/error pair per
// trajectory entry, to the stream and the JSONL log.
func (e *Engine) recordToolEvents(r *run, traj *trajectory.Trajectory) {
	if traj == nil {
		return
	}
	for _, entry := range traj.Entries {
		e.publish(r.sess.ID, streaming.Event{
			Type:    streaming.EventToolCall,
			Message: entry.Tool,
			Data: map[string]interface{}{
				"step_id": entry.StepID,
				"skipped": entry.Skipped,
				"error":   entry.Error,
			},
		})
		if r.eventLog == nil {
			continue
		}
		if entry.Skipped {
			_ = r.eventLog.Write(r.sess.ID, "tool_skipped", map[string]interface{}{
				"step_id": entry.StepID, "tool": entry.Tool,
			})
			continue
		}
		_ = r.eventLog.Write(r.sess.ID, "tool_called", map[string]interface{}{
			"step_id": entry.StepID, "tool": entry.Tool, "args": entry.Args,
		})
		if entry.Error != "" {
			_ = r.eventLog.Write(r.sess.ID, "error", map[string]interface{}{
				"step_id": entry.StepID, "tool": entry.Tool, "error": entry.Error,
			})
		} else {
			_ = r.eventLog.Write(r.sess.ID, "tool_output", map[string]interface{}{
				"step_id": entry.StepID, "tool": entry.Tool, "result": entry.Result,
			})
		}
	}
}

// abort moves the run to Aborted and returns the structured abort record.
// A denied session's reason is surfaced without any personalization data.
func (e *Engine) abort(r *run, reason string, err error) *Outcome {
	if err != nil {
		e.logger.Warn("Orchestration aborted",
			zap.String("session_id", r.sess.ID),
			zap.String("reason", reason),
			zap.Error(err))
	}
	e.transition(r, StateAborted, reason)
	r.outcome.AbortReason = reason
	e.publish(r.sess.ID, streaming.Event{Type: streaming.EventAborted, Message: reason})
	return r.outcome
}

func (e *Engine) publish(sessionID string, evt streaming.Event) {
	if e.deps.Events != nil {
		e.deps.Events.Publish(sessionID, evt)
	}
}

func (e *Engine) saveSession(ctx context.Context, sess *session.Session) {
	if err := e.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		e.logger.Warn("Failed to persist session", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (e *Engine) saveTrajectory(ctx context.Context, traj *trajectory.Trajectory) {
	if e.deps.Store == nil || traj == nil {
		return
	}
	if err := e.deps.Store.SaveTrajectory(ctx, traj); err != nil {
		e.logger.Warn("Failed to persist trajectory", zap.String("trajectory_id", traj.ID), zap.Error(err))
	}
}
