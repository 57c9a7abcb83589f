// Package activities holds the Temporal activity implementations for the
// durable execution mode. Each activity wraps one side-effecting stage of an
// orchestration so the workflow itself stays deterministic.
package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/agent"
	"github.com/concierge-ai/concierge/internal/agents"
	"github.com/concierge-ai/concierge/internal/orchestrator"
	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/tools"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

// Application error types surfaced to the workflow for abort mapping.
const (
	ErrTypeIntentUnresolved = "intent_unresolved"
	ErrTypeUnknownDomain    = "unknown_domain"
	ErrTypeInvalidOutput    = "invalid_output"
)

// Activities bundles the collaborators the durable mode needs. The same
// agents serve both execution modes.
type Activities struct {
	registry     *registry.Registry
	sessions     *session.Manager
	verifier     orchestrator.Verifier
	personalizer orchestrator.PersonalizerAgent
	fulfiller    orchestrator.FulfillmentAgent
	infoExec     tools.Executor
	store        orchestrator.TrajectoryStore
	logger       *zap.Logger
}

// New creates the activity set. InfoExec and store may be nil.
func New(reg *registry.Registry, sessions *session.Manager, verifier orchestrator.Verifier, personalizer orchestrator.PersonalizerAgent, fulfiller orchestrator.FulfillmentAgent, infoExec tools.Executor, store orchestrator.TrajectoryStore, logger *zap.Logger) *Activities {
	return &Activities{
		registry:     reg,
		sessions:     sessions,
		verifier:     verifier,
		personalizer: personalizer,
		fulfiller:    fulfiller,
		infoExec:     infoExec,
		store:        store,
		logger:       logger,
	}
}

// ResolveInput identifies the request to resolve.
type ResolveInput struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Domain    string `json:"domain"`
	Intent    string `json:"intent,omitempty"`
	Utterance string `json:"utterance"`
}

// ResolveResult carries everything the workflow dispatches with.
type ResolveResult struct {
	Intent   string                     `json:"intent"`
	Template *registry.WorkflowTemplate `json:"template"`
	Tools    []registry.ToolDescriptor  `json:"tools"`
	Snapshot *session.Snapshot          `json:"snapshot"`
}

// Resolve loads or creates the session, resolves the intent, runs the
// template's info-gathering tools and freezes the dispatch snapshot.
func (a *Activities) Resolve(ctx context.Context, input ResolveInput) (*ResolveResult, error) {
	sess, err := a.loadOrCreateSession(ctx, input)
	if err != nil {
		return nil, err
	}

	intent := input.Intent
	if intent == "" {
		intent, err = a.registry.ResolveIntent(input.Domain, input.Utterance)
		if err != nil {
			return nil, temporal.NewNonRetryableApplicationError("intent resolution failed", ErrTypeIntentUnresolved, err)
		}
	}

	tmpl, descriptors, err := a.registry.Lookup(input.Domain, intent)
	if err != nil {
		errType := ErrTypeIntentUnresolved
		if errors.Is(err, registry.ErrUnknownDomain) {
			errType = ErrTypeUnknownDomain
		}
		return nil, temporal.NewNonRetryableApplicationError("template lookup failed", errType, err)
	}

	sess.Intent = intent
	sess.AddTurn(session.Turn{Role: "user", Content: input.Utterance, Timestamp: time.Now()})

	if a.infoExec != nil {
		for _, tool := range tmpl.InfoTools {
			result, err := a.infoExec.Invoke(ctx, tool, map[string]interface{}{"user_id": sess.UserID})
			if err != nil {
				a.logger.Warn("Info tool failed",
					zap.String("tool", tool),
					zap.Error(err))
				continue
			}
			sess.MergeClientInfo(map[string]interface{}{tool: result})
		}
	}

	if err := a.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	return &ResolveResult{
		Intent:   intent,
		Template: tmpl,
		Tools:    descriptors,
		Snapshot: sess.Snapshot(),
	}, nil
}

func (a *Activities) loadOrCreateSession(ctx context.Context, input ResolveInput) (*session.Session, error) {
	if input.SessionID != "" {
		sess, err := a.sessions.GetSession(ctx, input.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			return nil, err
		}
	}
	return a.sessions.CreateSession(ctx, input.UserID, input.Domain)
}

// Verify runs the authenticator against the snapshot.
func (a *Activities) Verify(ctx context.Context, snap *session.Snapshot) (agents.AuthResult, error) {
	return a.verifier.Verify(ctx, snap)
}

// PersonalizeInput carries the dispatch state to the personalizer.
type PersonalizeInput struct {
	Snapshot *session.Snapshot          `json:"snapshot"`
	Template *registry.WorkflowTemplate `json:"template"`
	Tools    []registry.ToolDescriptor  `json:"tools"`
}

// Personalize runs the personalizer against the snapshot.
func (a *Activities) Personalize(ctx context.Context, input PersonalizeInput) (agents.PersonalizationResult, error) {
	result, err := a.personalizer.Personalize(ctx, input.Snapshot, input.Template, input.Tools)
	if err != nil {
		var verr *agent.ValidationError
		if errors.As(err, &verr) {
			return result, temporal.NewNonRetryableApplicationError(verr.Error(), ErrTypeInvalidOutput, err)
		}
		return result, err
	}
	a.recordTokens(ctx, input.Snapshot.SessionID, result.TokensUsed)
	return result, nil
}

// recordTokens folds backend spend into the session total. Best effort; a
// stale read loses a count but never fails the activity.
func (a *Activities) recordTokens(ctx context.Context, sessionID string, tokens int) {
	if tokens <= 0 {
		return
	}
	sess, err := a.sessions.GetSession(ctx, sessionID)
	if err != nil {
		a.logger.Warn("Token accounting skipped",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	sess.AddTokens(tokens)
	if err := a.sessions.UpdateSession(ctx, sess); err != nil {
		a.logger.Warn("Token accounting persistence failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// FulfillInput carries everything needed to execute an approved plan.
type FulfillInput struct {
	Snapshot        *session.Snapshot            `json:"snapshot"`
	Template        *registry.WorkflowTemplate   `json:"template"`
	Tools           []registry.ToolDescriptor    `json:"tools"`
	Auth            agents.AuthResult            `json:"auth"`
	Personalization agents.PersonalizationResult `json:"personalization"`
	Overrides       map[string]string            `json:"overrides,omitempty"`
}

// Fulfill constructs the personalized plan, executes it and persists the
// finalized trajectory.
func (a *Activities) Fulfill(ctx context.Context, input FulfillInput) (*trajectory.Trajectory, error) {
	plan, err := agents.NewPersonalizedPlan(input.Auth, input.Personalization, input.Template, input.Tools)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("plan construction refused", ErrTypeInvalidOutput, err)
	}

	traj, err := a.fulfiller.Execute(ctx, plan, input.Snapshot, input.Overrides)
	if traj != nil {
		a.persist(ctx, traj)
	}
	if err != nil {
		reason := orchestrator.AbortToolFailure
		if traj != nil && traj.AbortReason != "" {
			reason = traj.AbortReason
		}
		return traj, temporal.NewNonRetryableApplicationError("fulfillment aborted", reason, err)
	}
	return traj, nil
}

// DenialInput records a gate denial.
type DenialInput struct {
	SessionID string `json:"session_id"`
	Domain    string `json:"domain"`
	Intent    string `json:"intent"`
	Reason    string `json:"reason"`
}

// RecordDenial persists the empty denied-marker trajectory.
func (a *Activities) RecordDenial(ctx context.Context, input DenialInput) (*trajectory.Trajectory, error) {
	traj := trajectory.NewDenied(input.SessionID, input.Domain, input.Intent, input.Reason)
	a.persist(ctx, traj)
	return traj, nil
}

func (a *Activities) persist(ctx context.Context, traj *trajectory.Trajectory) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveTrajectory(ctx, traj); err != nil {
		a.logger.Error("Trajectory persistence failed",
			zap.String("session_id", traj.SessionID),
			zap.Error(err))
	}
}
