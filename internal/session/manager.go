package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/circuitbreaker"
	"github.com/concierge-ai/concierge/internal/metrics"
)

// Manager handles session lifecycle with a Redis backend and a local cache.
type Manager struct {
	client      *circuitbreaker.RedisWrapper
	logger      *zap.Logger
	ttl         time.Duration
	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time // last access time for LRU eviction
	maxSessions int
}

// NewManager creates a new session manager connected to Redis.
func NewManager(redisAddr string, logger *zap.Logger) (*Manager, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewManagerWithClient(client, logger), nil
}

// NewManagerWithClient creates a manager around an existing wrapped client.
func NewManagerWithClient(client *circuitbreaker.RedisWrapper, logger *zap.Logger) *Manager {
	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         24 * time.Hour,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxSessions: 10000,
	}
}

// CreateSession creates a new session for a user in a domain.
func (m *Manager) CreateSession(ctx context.Context, userID, domain string) (*Session, error) {
	sessionID := uuid.New().String()

	sess := &Session{
		ID:        sessionID,
		UserID:    userID,
		Domain:    domain,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(m.ttl),
		History:   make([]Turn, 0),
	}

	if err := m.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.mu.Lock()
	m.localCache[sessionID] = sess
	m.cacheAccess[sessionID] = time.Now()
	m.cleanupLocalCache()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	m.logger.Info("Created new session",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("domain", domain),
	)
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()

	return sess, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	if sess, ok := m.localCache[sessionID]; ok {
		m.mu.RUnlock()
		metrics.SessionCacheHits.Inc()
		if sess.IsExpired() {
			_ = m.DeleteSession(ctx, sessionID)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.RUnlock()
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, m.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.IsExpired() {
		_ = m.DeleteSession(ctx, sessionID)
		return nil, ErrSessionExpired
	}

	m.mu.Lock()
	m.localCache[sessionID] = &sess
	m.cacheAccess[sessionID] = time.Now()
	m.cleanupLocalCache()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	return &sess, nil
}

// UpdateSession persists the current state of a session.
func (m *Manager) UpdateSession(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSession
	}
	sess.UpdatedAt = time.Now()
	if err := m.saveSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	m.mu.Lock()
	m.localCache[sess.ID] = sess
	m.cacheAccess[sess.ID] = time.Now()
	m.mu.Unlock()
	return nil
}

// DeleteSession removes a session from Redis and the local cache.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.localCache[sessionID]; ok {
		delete(m.localCache, sessionID)
		delete(m.cacheAccess, sessionID)
		metrics.SessionsActive.Dec()
	}
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	m.logger.Info("Deleted session", zap.String("session_id", sessionID))
	return nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) saveSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return m.client.Set(ctx, m.sessionKey(sess.ID), data, m.ttl).Err()
}

func (m *Manager) sessionKey(sessionID string) string {
	return "concierge:session:" + sessionID
}

// cleanupLocalCache evicts least-recently-used sessions when the cache grows
// past maxSessions. Caller must hold m.mu.
func (m *Manager) cleanupLocalCache() {
	for len(m.localCache) > m.maxSessions {
		oldestID := ""
		var oldestAt time.Time
		for id, at := range m.cacheAccess {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID = id
				oldestAt = at
			}
		}
		if oldestID == "" {
			return
		}
		delete(m.localCache, oldestID)
		delete(m.cacheAccess, oldestID)
		metrics.SessionCacheEvictions.Inc()
	}
}
