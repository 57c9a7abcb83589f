package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/concierge-ai/concierge/internal/metrics"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidSession is returned when session data is invalid
	ErrInvalidSession = errors.New("invalid session")
)

// Session is one end-to-end customer interaction. The orchestrator is its
// sole mutator; concurrent agents only ever see immutable snapshots.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Domain string `json:"domain"`
	Intent string `json:"intent,omitempty"`

	// Verified flips to true only after the authenticator reports a
	// terminal verified outcome. The user identifier is untrusted until then.
	Verified bool `json:"verified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	History []Turn `json:"history"`

	// ClientInfo holds results from the intent's info-gathering tools.
	ClientInfo map[string]interface{} `json:"client_info,omitempty"`

	// ParamOverrides records parameter values the user stated in conversation
	// after dispatch; they take precedence over prefilled parameters.
	ParamOverrides map[string]string `json:"param_overrides,omitempty"`

	TotalTokensUsed int                    `json:"total_tokens_used"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Turn is a single conversation turn.
type Turn struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"` // "user", "assistant", "system"
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// AddTurn appends a conversation turn and bumps the update timestamp.
func (s *Session) AddTurn(turn Turn) {
	s.History = append(s.History, turn)
	s.AddTokens(turn.TokensUsed)
	s.UpdatedAt = time.Now()
}

// AddTokens folds backend token usage into the session total.
func (s *Session) AddTokens(n int) {
	if n <= 0 {
		return
	}
	s.TotalTokensUsed += n
	metrics.SessionTokensTotal.Add(float64(n))
	s.UpdatedAt = time.Now()
}

// SetOverride records a user-stated parameter value.
func (s *Session) SetOverride(param, value string) {
	if s.ParamOverrides == nil {
		s.ParamOverrides = make(map[string]string)
	}
	s.ParamOverrides[param] = value
	s.UpdatedAt = time.Now()
}

// MergeClientInfo folds info-gathering tool results into the session.
func (s *Session) MergeClientInfo(info map[string]interface{}) {
	if len(info) == 0 {
		return
	}
	if s.ClientInfo == nil {
		s.ClientInfo = make(map[string]interface{}, len(info))
	}
	for k, v := range info {
		s.ClientInfo[k] = v
	}
	s.UpdatedAt = time.Now()
}

// Snapshot is the immutable view handed to concurrent agent tasks.
// Copy-on-dispatch: the authenticator and personalizer read the same frozen
// state, so no locking is needed between them.
type Snapshot struct {
	SessionID  string                 `json:"session_id"`
	UserID     string                 `json:"user_id"`
	Domain     string                 `json:"domain"`
	Intent     string                 `json:"intent"`
	TakenAt    time.Time              `json:"taken_at"`
	History    []Turn                 `json:"history"`
	ClientInfo map[string]interface{} `json:"client_info,omitempty"`
}

// Snapshot produces an immutable copy of the session's agent-visible state.
func (s *Session) Snapshot() *Snapshot {
	history := make([]Turn, len(s.History))
	copy(history, s.History)

	var info map[string]interface{}
	if s.ClientInfo != nil {
		info = make(map[string]interface{}, len(s.ClientInfo))
		for k, v := range s.ClientInfo {
			info[k] = v
		}
	}

	return &Snapshot{
		SessionID:  s.ID,
		UserID:     s.UserID,
		Domain:     s.Domain,
		Intent:     s.Intent,
		TakenAt:    time.Now(),
		History:    history,
		ClientInfo: info,
	}
}

// Hash returns a stable content hash of the snapshot, excluding TakenAt.
// Agents use it to make their results deterministic per snapshot.
func (sn *Snapshot) Hash() string {
	clone := *sn
	clone.TakenAt = time.Time{}
	data, err := json.Marshal(&clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LastUserUtterance returns the most recent user turn's content, if any.
func (sn *Snapshot) LastUserUtterance() string {
	for i := len(sn.History) - 1; i >= 0; i-- {
		if sn.History[i].Role == "user" {
			return sn.History[i].Content
		}
	}
	return ""
}
