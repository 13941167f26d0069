// Package session stores signed-in session state in Redis with a local
// read cache. Sessions are advisory: losing Redis logs users out, it
// never corrupts the task ledger or quota counters.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/circuitbreaker"
	"github.com/chronomap/chronomap/internal/config"
	"github.com/chronomap/chronomap/internal/metrics"
	"github.com/chronomap/chronomap/internal/models"
)

const maxCachedSessions = 10000

// Manager handles session persistence with a Redis backend.
type Manager struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
}

// NewManager connects to Redis and verifies the connection.
func NewManager(cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	client := circuitbreaker.NewRedisWrapper(redisClient, circuitbreaker.DefaultConfig(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         ttl,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
	}, nil
}

// CreateSession mints a session for a signed-in user.
func (m *Manager) CreateSession(ctx context.Context, user *models.User, refreshTokenHash string) (*Session, error) {
	now := time.Now().UTC()
	session := &Session{
		ID:               uuid.NewString(),
		UserID:           user.ID.String(),
		Email:            user.Email,
		Tier:             user.Tier(),
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(m.ttl),
		RefreshTokenHash: refreshTokenHash,
	}

	if err := m.saveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.cachePut(session)

	m.logger.Info("Created session",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("tier", session.Tier),
	)
	metrics.SessionsCreated.Inc()
	return session, nil
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	cached, ok := m.localCache[sessionID]
	var snapshot Session
	if ok {
		// Copy under the lock: callers mutate their session freely
		// without racing other requests on the same session id.
		snapshot = *cached
	}
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		if snapshot.IsExpired() {
			m.DeleteSession(ctx, sessionID)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return &snapshot, nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if session.IsExpired() {
		m.DeleteSession(ctx, sessionID)
		return nil, ErrSessionExpired
	}

	m.cachePut(&session)
	return &session, nil
}

// UpdateSession persists a modified session.
func (m *Manager) UpdateSession(ctx context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("session is nil")
	}
	session.UpdatedAt = time.Now().UTC()
	if err := m.saveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.cachePut(session)
	return nil
}

// RotateRefreshToken pins the session to a new refresh token hash and
// extends its lifetime.
func (m *Manager) RotateRefreshToken(ctx context.Context, sessionID, refreshTokenHash string) error {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.RefreshTokenHash = refreshTokenHash
	session.ExpiresAt = time.Now().UTC().Add(m.ttl)
	return m.UpdateSession(ctx, session)
}

// SetActiveTask records the task a session is currently streaming.
func (m *Manager) SetActiveTask(ctx context.Context, sessionID, taskID string) error {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.ActiveTaskID = taskID
	return m.UpdateSession(ctx, session)
}

// DeleteSession removes a session from Redis and the local cache.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.localCache, sessionID)
	delete(m.cacheAccess, sessionID)
	m.mu.Unlock()
	return nil
}

// Ping reports Redis health for readiness checks.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func (m *Manager) saveSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, sessionKey(session.ID), data, ttl).Err()
}

// cachePut stores a private copy so later mutations of the caller's
// session never reach other readers of the cache.
func (m *Manager) cachePut(session *Session) {
	cached := *session
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localCache[session.ID] = &cached
	m.cacheAccess[session.ID] = time.Now()
	m.evictLocked()
}

// evictLocked drops the least recently used half of the cache when it
// outgrows the cap. Callers must hold m.mu.
func (m *Manager) evictLocked() {
	if len(m.localCache) <= maxCachedSessions {
		return
	}
	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, accessEntry{id: id, time: m.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < maxCachedSessions/2 && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
	}
}
