// Package httpapi exposes the orchestration engine over HTTP: session
// submission, session and trajectory retrieval, and a websocket event
// stream, all behind JWT bearer auth.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/auth"
	"github.com/concierge-ai/concierge/internal/db"
	"github.com/concierge-ai/concierge/internal/orchestrator"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/streaming"
	"github.com/concierge-ai/concierge/internal/workflows"
)

// DurableRunner submits an orchestration to the durable execution backend
// and blocks until the workflow completes.
type DurableRunner interface {
	Execute(ctx context.Context, input workflows.PersonalizationInput) (workflows.PersonalizationResult, error)
}

// Server wires the engine and its stores into HTTP handlers.
type Server struct {
	engine      *orchestrator.Engine
	sessions    *session.Manager
	store       *db.Store
	events      *streaming.Manager
	jwt         *auth.JWTManager
	credentials *auth.CredentialStore
	durable     DurableRunner
	logger      *zap.Logger
}

// NewServer creates the API server. Store may be nil when persistence is
// disabled; the trajectory endpoint then reports 404.
func NewServer(engine *orchestrator.Engine, sessions *session.Manager, store *db.Store, events *streaming.Manager, jwt *auth.JWTManager, credentials *auth.CredentialStore, logger *zap.Logger) *Server {
	return &Server{
		engine:      engine,
		sessions:    sessions,
		store:       store,
		events:      events,
		jwt:         jwt,
		credentials: credentials,
		logger:      logger,
	}
}

// EnableDurableMode routes requests carrying mode=durable through the
// durable execution backend instead of the in-process engine.
func (s *Server) EnableDurableMode(runner DurableRunner) {
	s.durable = runner
}

// Routes returns the API mux with auth middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", s.handleLogin)

	protected := http.NewServeMux()
	protected.HandleFunc("/api/v1/sessions", s.handleSessions)
	protected.HandleFunc("/api/v1/sessions/", s.handleSessionByID)
	protected.HandleFunc("/api/v1/stream/ws", s.handleWebSocket)

	mux.Handle("/api/v1/sessions", auth.Middleware(s.jwt, s.logger)(protected))
	mux.Handle("/api/v1/sessions/", auth.Middleware(s.jwt, s.logger)(protected))
	mux.Handle("/api/v1/stream/ws", auth.Middleware(s.jwt, s.logger)(protected))
	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	role, err := s.credentials.Authenticate(req.Username, req.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.jwt.GenerateToken(req.Username, role)
	if err != nil {
		s.logger.Error("Token generation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "Bearer"})
}

// handleSessions runs one orchestration: POST /api/v1/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Domain == "" || req.Utterance == "" {
		http.Error(w, "user_id, domain and utterance are required", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("mode") == "durable" {
		s.runDurable(w, r, req)
		return
	}

	outcome, err := s.engine.Run(r.Context(), req)
	if err != nil {
		s.logger.Error("Orchestration failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// runDurable hands the request to the workflow backend. The result carries
// the terminal state, so a workflow-level error still yields a response
// body when the workflow produced one.
func (s *Server) runDurable(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	if s.durable == nil {
		http.Error(w, "durable execution mode disabled", http.StatusServiceUnavailable)
		return
	}
	result, err := s.durable.Execute(r.Context(), workflows.PersonalizationInput{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Domain:    req.Domain,
		Intent:    req.Intent,
		Utterance: req.Utterance,
	})
	if err != nil && result.SessionID == "" {
		s.logger.Error("Durable orchestration failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSessionByID serves GET /api/v1/sessions/{id} and
// GET /api/v1/sessions/{id}/trajectory.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.serveSession(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "trajectory":
		s.serveTrajectory(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Session load failed", zap.String("session_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) serveTrajectory(w http.ResponseWriter, r *http.Request, id string) {
	if s.store == nil {
		http.Error(w, "trajectory persistence disabled", http.StatusNotFound)
		return
	}
	rec, err := s.store.GetTrajectory(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "trajectory not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Trajectory load failed", zap.String("session_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
