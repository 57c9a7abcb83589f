package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/agents"
	"github.com/concierge-ai/concierge/internal/auth"
	"github.com/concierge-ai/concierge/internal/circuitbreaker"
	"github.com/concierge-ai/concierge/internal/orchestrator"
	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/streaming"
	"github.com/concierge-ai/concierge/internal/tools"
	"github.com/concierge-ai/concierge/internal/workflows"
)

const testCatalog = `
domain: flights
intents:
  - intent: book_flight
    aliases: ["book a flight"]
    tools: [search_flights, book_flight]
    steps:
      - id: search
        tool: search_flights
        mandatory: true
      - id: book
        tool: book_flight
        mandatory: true
        terminal: true
tools:
  - name: search_flights
    description: Search available flights
  - name: book_flight
    description: Book the selected flight
    sensitive: true
`

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, _ *session.Snapshot) (agents.AuthResult, error) {
	return agents.AuthResult{Outcome: agents.AuthVerified, Timestamp: time.Now()}, nil
}

type stubPersonalizer struct{}

func (stubPersonalizer) Personalize(_ context.Context, _ *session.Snapshot, _ *registry.WorkflowTemplate, _ []registry.ToolDescriptor) (agents.PersonalizationResult, error) {
	return agents.PersonalizationResult{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Server, *streaming.Manager, string) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flights.yaml"), []byte(testCatalog), 0o644))
	reg := registry.NewRegistry(zap.NewNop())
	require.NoError(t, reg.LoadDirectory(dir))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	wrapper := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	sessions := session.NewManagerWithClient(wrapper, zap.NewNop())
	t.Cleanup(func() { _ = sessions.Close() })

	events := streaming.NewManager(64)
	engine, err := orchestrator.NewEngine(orchestrator.Dependencies{
		Registry:     reg,
		Sessions:     sessions,
		Verifier:     stubVerifier{},
		Personalizer: stubPersonalizer{},
		Fulfiller:    agents.NewFulfiller(tools.NewSimulatedExecutor(), zap.NewNop()),
		Events:       events,
	}, orchestrator.Config{}, zap.NewNop())
	require.NoError(t, err)

	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	credentials := auth.NewCredentialStore([]auth.UserConfig{{Username: "ops", PasswordHash: hash, Role: "admin"}})
	jwtManager := auth.NewJWTManager("test-key", time.Hour)

	server := NewServer(engine, sessions, nil, events, jwtManager, credentials, zap.NewNop())
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)

	token, err := jwtManager.GenerateToken("ops", "admin")
	require.NoError(t, err)
	return ts, server, events, token
}

func TestLoginIssuesToken(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "ops", "password": "s3cret"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["access_token"])

	body, _ = json.Marshal(map[string]string{"username": "ops", "password": "wrong"})
	resp, err = http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionsRequireAuth(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunSessionAndFetchIt(t *testing.T) {
	ts, _, _, token := newTestServer(t)

	body, _ := json.Marshal(orchestrator.Request{
		UserID:    "cust-42",
		Domain:    "flights",
		Utterance: "book a flight to SFO",
	})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/sessions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var outcome orchestrator.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	assert.Equal(t, orchestrator.StateCompleted, outcome.State)
	require.NotEmpty(t, outcome.SessionID)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions/"+outcome.SessionID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, "cust-42", sess.UserID)

	// Persistence is disabled in this fixture.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions/"+outcome.SessionID+"/trajectory", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSessionNotFound(t *testing.T) {
	ts, _, _, token := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions/missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type stubDurableRunner struct {
	input  workflows.PersonalizationInput
	result workflows.PersonalizationResult
	err    error
}

func (s *stubDurableRunner) Execute(_ context.Context, input workflows.PersonalizationInput) (workflows.PersonalizationResult, error) {
	s.input = input
	return s.result, s.err
}

func TestDurableModeRoutesThroughRunner(t *testing.T) {
	ts, server, _, token := newTestServer(t)
	runner := &stubDurableRunner{result: workflows.PersonalizationResult{
		SessionID: "sess-durable",
		State:     orchestrator.StateCompleted,
	}}
	server.EnableDurableMode(runner)

	body, _ := json.Marshal(orchestrator.Request{
		UserID:    "cust-42",
		Domain:    "flights",
		Utterance: "book a flight to SFO",
	})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/sessions?mode=durable", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result workflows.PersonalizationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "sess-durable", result.SessionID)
	assert.Equal(t, orchestrator.StateCompleted, result.State)

	// The request body reached the workflow input intact.
	assert.Equal(t, "cust-42", runner.input.UserID)
	assert.Equal(t, "flights", runner.input.Domain)
	assert.Equal(t, "book a flight to SFO", runner.input.Utterance)
}

func TestDurableModeDisabledReturnsUnavailable(t *testing.T) {
	ts, _, _, token := newTestServer(t)

	body, _ := json.Marshal(orchestrator.Request{
		UserID:    "cust-42",
		Domain:    "flights",
		Utterance: "book a flight to SFO",
	})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/sessions?mode=durable", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ts, _, events, token := newTestServer(t)

	events.Publish("s-ws", streaming.Event{Type: streaming.EventStateTransition, State: "Dispatching"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream/ws?session_id=s-ws&access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The pre-connect event arrives via replay.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt streaming.Event
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, "Dispatching", evt.State)

	// Live events follow.
	events.Publish("s-ws", streaming.Event{Type: streaming.EventCompleted})
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, streaming.EventCompleted, evt.Type)
}
