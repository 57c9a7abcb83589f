package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/circuitbreaker"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	wrapper := circuitbreaker.NewRedisWrapper(client, zap.NewNop())
	mgr := NewManagerWithClient(wrapper, zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestCreateAndGetSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "cust-42", "flights")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.False(t, sess.Verified)

	got, err := mgr.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "cust-42", got.UserID)
	assert.Equal(t, "flights", got.Domain)
}

func TestGetSessionSurvivesCacheFlush(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "cust-42", "banking")
	require.NoError(t, err)
	sess.Intent = "update_address"
	sess.AddTurn(Turn{Role: "user", Content: "I moved house", Timestamp: time.Now()})
	require.NoError(t, mgr.UpdateSession(ctx, sess))

	// Drop the local cache to force a Redis round trip.
	mgr.mu.Lock()
	mgr.localCache = make(map[string]*Session)
	mgr.cacheAccess = make(map[string]time.Time)
	mgr.mu.Unlock()

	got, err := mgr.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "update_address", got.Intent)
	require.Len(t, got.History, 1)
	assert.Equal(t, "I moved house", got.History[0].Content)
}

func TestGetSessionNotFound(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "cust-42", "hospital")
	require.NoError(t, err)
	require.NoError(t, mgr.DeleteSession(ctx, sess.ID))

	_, err = mgr.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSnapshotIsCopyOnDispatch(t *testing.T) {
	sess := &Session{
		ID:         "s1",
		UserID:     "cust-42",
		Domain:     "flights",
		Intent:     "book_flight",
		History:    []Turn{{Role: "user", Content: "book me a flight"}},
		ClientInfo: map[string]interface{}{"payment_method": "visa"},
	}

	snap := sess.Snapshot()

	// Mutating the session after dispatch must not leak into the snapshot.
	sess.AddTurn(Turn{Role: "user", Content: "actually from JFK"})
	sess.ClientInfo["payment_method"] = "amex"

	require.Len(t, snap.History, 1)
	assert.Equal(t, "visa", snap.ClientInfo["payment_method"])
	assert.Equal(t, "book me a flight", snap.LastUserUtterance())
}

func TestSnapshotHashIsStable(t *testing.T) {
	sess := &Session{
		ID:      "s1",
		UserID:  "cust-42",
		Domain:  "flights",
		Intent:  "book_flight",
		History: []Turn{{Role: "user", Content: "book me a flight"}},
	}

	h1 := sess.Snapshot().Hash()
	time.Sleep(5 * time.Millisecond)
	h2 := sess.Snapshot().Hash()
	require.NotEmpty(t, h1)
	// TakenAt is excluded, so an unchanged session hashes identically.
	assert.Equal(t, h1, h2)

	sess.AddTurn(Turn{Role: "user", Content: "from JFK"})
	assert.NotEqual(t, h1, sess.Snapshot().Hash())
}
