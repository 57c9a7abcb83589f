package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGenerateAndValidateToken(t *testing.T) {
	m := NewJWTManager("test-signing-key", time.Hour)

	token, err := m.GenerateToken("ops", "admin")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, "admin", claims.Role)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	token, err := NewJWTManager("key-one", time.Hour).GenerateToken("ops", "admin")
	require.NoError(t, err)

	_, err = NewJWTManager("key-two", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("test-signing-key", -time.Minute)
	token, err := m.GenerateToken("ops", "admin")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCredentialStore(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	store := NewCredentialStore([]UserConfig{{Username: "ops", PasswordHash: hash, Role: "admin"}})

	role, err := store.Authenticate("ops", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "admin", role)

	_, err = store.Authenticate("ops", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = store.Authenticate("ghost", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("test-signing-key", time.Hour)
	token, err := m.GenerateToken("ops", "admin")
	require.NoError(t, err)

	var gotClaims *Claims
	handler := Middleware(m, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "ops", gotClaims.Username)

	// Missing token is rejected.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Query-parameter token works for websocket upgrades.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream/ws?access_token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
