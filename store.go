package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"
)

// DefaultSessionTTL is the fixed time-to-live applied to persisted session
// records. Every read resets it (sliding expiry).
const DefaultSessionTTL = 3 * time.Hour

// SessionStore is the shared, TTL-backed store that is the single source of
// truth for session existence across process restarts. Implementations must
// be safe for concurrent readers and writers; per-key operations are assumed
// atomic.
type SessionStore interface {
	// Put persists the session record with the store's TTL, overwriting any
	// existing record for the same id.
	Put(ctx context.Context, sess *Session) error

	// Get returns the session for the given id, touching LastUsed and
	// resetting the TTL (sliding expiry). Returns ErrNotFound when the id is
	// absent; an expired record and one that never existed are
	// indistinguishable.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Delete removes the session record, reporting whether one existed.
	Delete(ctx context.Context, sessionID string) (bool, error)
}

// RedisSessionStore implements SessionStore on Redis via rueidis. Session
// records are stored as JSON under one key per session with a TTL, so expiry
// is enforced passively by Redis itself.
//
// Instances should be created using NewRedisSessionStore.
type RedisSessionStore struct {
	client rueidis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// RedisSessionStoreOption represents a configuration option for the RedisSessionStore.
type RedisSessionStoreOption func(*RedisSessionStore)

// WithSessionTTL overrides the default session TTL.
func WithSessionTTL(ttl time.Duration) RedisSessionStoreOption {
	return func(s *RedisSessionStore) {
		s.ttl = ttl
	}
}

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) RedisSessionStoreOption {
	return func(s *RedisSessionStore) {
		s.logger = logger
	}
}

// NewRedisSessionStore creates a session store backed by the given Redis
// client. The caller owns the client's lifecycle.
func NewRedisSessionStore(client rueidis.Client, options ...RedisSessionStoreOption) *RedisSessionStore {
	s := &RedisSessionStore{
		client: client,
		ttl:    DefaultSessionTTL,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func sessionKey(sessionID string) string {
	return "mcpbridge:session:" + sessionID
}

// Put persists the session record with the configured TTL.
func (s *RedisSessionStore) Put(ctx context.Context, sess *Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	cmd := s.client.B().Set().Key(sessionKey(sess.SessionID)).Value(string(val)).Ex(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get reads the session record, touches LastUsed, and resets the TTL. The
// refresh uses SET XX so a record deleted by a concurrent CloseSession is
// never resurrected; the caller that lost that race still gets the record it
// read.
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := sessionKey(sessionID)

	res, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if errors.Is(err, rueidis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(res), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	sess.LastUsed = time.Now().UnixMilli()

	val, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(val)).Xx().Ex(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil && !errors.Is(err, rueidis.Nil) {
		// The read succeeded, so hand the record back even if the sliding
		// refresh could not be written.
		s.logger.Warn("failed to refresh session TTL",
			slog.String("sessionID", sessionID), slog.String("err", err.Error()))
	}

	return &sess, nil
}

// Delete removes the session record, reporting whether one existed.
func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	cmd := s.client.B().Del().Key(sessionKey(sessionID)).Build()
	removed, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return removed > 0, nil
}
