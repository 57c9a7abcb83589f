package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/circuitbreaker"
	"github.com/concierge-ai/concierge/internal/session"
)

const authCachePrefix = "concierge:auth:"

// codePattern matches a verification code stated in conversation.
var codePattern = regexp.MustCompile(`\b\d{4,8}\b`)

// VerificationChannel is the external challenge/code exchange the
// authenticator drives. Real deployments back this with SMS or email;
// tests and development use the simulated channel.
type VerificationChannel interface {
	// Challenge sends a verification challenge to the user.
	Challenge(ctx context.Context, userID string) error
	// VerifyCode checks a code the user supplied against the active challenge.
	VerifyCode(ctx context.Context, userID, code string) (bool, error)
}

// AuditRecord captures one verification attempt for compliance review.
type AuditRecord struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	UserID    string    `db:"user_id"`
	Outcome   string    `db:"outcome"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

// AuditRecorder persists verification attempts.
type AuditRecorder interface {
	RecordVerification(ctx context.Context, rec AuditRecord) error
}

// Authenticator verifies the session user's identity over a verification
// channel. Terminal outcomes are cached per session, so re-invocation never
// re-verifies; the cache is Redis-backed with a local fallback when Redis is
// unavailable.
type Authenticator struct {
	channel VerificationChannel
	cache   *circuitbreaker.RedisWrapper
	audit   AuditRecorder
	logger  *zap.Logger

	mu    sync.Mutex
	local map[string]AuthResult
	ttl   time.Duration
}

// AuthenticatorOption configures optional collaborators.
type AuthenticatorOption func(*Authenticator)

// WithAuthCache attaches a Redis-backed idempotency cache.
func WithAuthCache(cache *circuitbreaker.RedisWrapper) AuthenticatorOption {
	return func(a *Authenticator) { a.cache = cache }
}

// WithAuditRecorder attaches an audit sink for verification attempts.
func WithAuditRecorder(audit AuditRecorder) AuthenticatorOption {
	return func(a *Authenticator) { a.audit = audit }
}

// NewAuthenticator creates an authenticator over the supplied channel.
func NewAuthenticator(channel VerificationChannel, logger *zap.Logger, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		channel: channel,
		logger:  logger,
		local:   make(map[string]AuthResult),
		ttl:     24 * time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Verify runs one verification attempt against the snapshot. If the session
// already has a terminal outcome the cached result is returned unchanged.
// A challenge with no code yet in the conversation yields a pending outcome.
func (a *Authenticator) Verify(ctx context.Context, snap *session.Snapshot) (AuthResult, error) {
	if cached, ok := a.cachedResult(ctx, snap.SessionID); ok && cached.Terminal() {
		a.logger.Debug("Returning cached auth outcome",
			zap.String("session_id", snap.SessionID),
			zap.String("outcome", string(cached.Outcome)))
		return cached, nil
	}

	code := extractCode(snap)
	if code == "" {
		if err := a.channel.Challenge(ctx, snap.UserID); err != nil {
			return AuthResult{}, fmt.Errorf("send verification challenge: %w", err)
		}
		result := AuthResult{
			Outcome:   AuthPending,
			Reason:    "challenge_sent",
			Timestamp: time.Now(),
		}
		a.recordAttempt(ctx, snap, result)
		return result, nil
	}

	ok, err := a.channel.VerifyCode(ctx, snap.UserID, code)
	if err != nil {
		return AuthResult{}, fmt.Errorf("verify code: %w", err)
	}

	result := AuthResult{Outcome: AuthVerified, Timestamp: time.Now()}
	if !ok {
		result = AuthResult{
			Outcome:   AuthFailed,
			Reason:    "otp_mismatch",
			Timestamp: time.Now(),
		}
	}

	a.storeResult(ctx, snap.SessionID, result)
	a.recordAttempt(ctx, snap, result)
	a.logger.Info("Verification attempt finished",
		zap.String("session_id", snap.SessionID),
		zap.String("user_id", snap.UserID),
		zap.String("outcome", string(result.Outcome)))
	return result, nil
}

// extractCode scans user turns newest-first for a stated verification code.
func extractCode(snap *session.Snapshot) string {
	for i := len(snap.History) - 1; i >= 0; i-- {
		if snap.History[i].Role != "user" {
			continue
		}
		if code := codePattern.FindString(snap.History[i].Content); code != "" {
			return code
		}
	}
	return ""
}

func (a *Authenticator) cachedResult(ctx context.Context, sessionID string) (AuthResult, bool) {
	if a.cache != nil && !a.cache.IsCircuitBreakerOpen() {
		data, err := a.cache.Get(ctx, authCachePrefix+sessionID).Bytes()
		if err == nil {
			var result AuthResult
			if err := json.Unmarshal(data, &result); err == nil {
				return result, true
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	result, ok := a.local[sessionID]
	return result, ok
}

func (a *Authenticator) storeResult(ctx context.Context, sessionID string, result AuthResult) {
	a.mu.Lock()
	a.local[sessionID] = result
	a.mu.Unlock()

	if a.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, authCachePrefix+sessionID, data, a.ttl).Err(); err != nil {
		a.logger.Warn("Failed to cache auth outcome, local fallback only",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// recordAttempt emits the audit record. Audit failures are logged, never
// surfaced; verification outcomes must not depend on audit availability.
func (a *Authenticator) recordAttempt(ctx context.Context, snap *session.Snapshot, result AuthResult) {
	if a.audit == nil {
		return
	}
	rec := AuditRecord{
		ID:        uuid.New().String(),
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
		Outcome:   string(result.Outcome),
		Reason:    result.Reason,
		CreatedAt: result.Timestamp,
	}
	if err := a.audit.RecordVerification(ctx, rec); err != nil {
		a.logger.Warn("Failed to record verification audit",
			zap.String("session_id", snap.SessionID),
			zap.Error(err))
	}
}
