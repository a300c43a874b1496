// README: Tracking session storage: Redis hash per token, plus an in-memory store.
package tracking

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

const sessionKeyPrefix = "dispatch:tracking:session:"

// expiredGrace keeps an expired hash around so reads report ErrExpired
// rather than ErrNotFound for a while.
const expiredGrace = time.Hour

type Store interface {
	Create(ctx context.Context, s Session) error
	// Consume atomically checks expiry and records one access.
	Consume(ctx context.Context, token string, now time.Time) (Session, error)
	// Get reads a session without recording an access.
	Get(ctx context.Context, token string) (Session, error)
	Delete(ctx context.Context, token string) (bool, error)
}

// consumeScript compares expiry as (seconds, nanoseconds) so the boundary is
// exact; Lua numbers cannot hold a unix-nano timestamp without rounding.
//
// Returns -1 when missing, -2 when expired, otherwise the hash after the update.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local es = tonumber(redis.call('HGET', KEYS[1], 'expires_sec'))
local en = tonumber(redis.call('HGET', KEYS[1], 'expires_nsec'))
local ns = tonumber(ARGV[1])
local nn = tonumber(ARGV[2])
if ns > es or (ns == es and nn > en) then
  return -2
end
redis.call('HINCRBY', KEYS[1], 'access_count', 1)
redis.call('HSET', KEYS[1], 'last_access_at', ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func sessionKey(token string) string { return sessionKeyPrefix + token }

func (s *RedisStore) Create(ctx context.Context, sess Session) error {
	key := sessionKey(sess.Token)
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"booking_id", string(sess.BookingID),
			"creator_id", string(sess.CreatorID),
			"created_at", sess.CreatedAt.Format(time.RFC3339Nano),
			"expires_at", sess.ExpiresAt.Format(time.RFC3339Nano),
			"expires_sec", sess.ExpiresAt.Unix(),
			"expires_nsec", sess.ExpiresAt.Nanosecond(),
			"access_count", 0,
		)
		p.ExpireAt(ctx, key, sess.ExpiresAt.Add(expiredGrace))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store tracking session: %w", err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, token string, now time.Time) (Session, error) {
	res, err := consumeScript.Run(ctx, s.redis, []string{sessionKey(token)},
		now.Unix(), now.Nanosecond(), now.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("consume tracking session: %w", err)
	}
	switch v := res.(type) {
	case int64:
		if v == -2 {
			return Session{}, ErrExpired
		}
		return Session{}, ErrNotFound
	case []interface{}:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		return decodeSession(token, fields)
	default:
		return Session{}, fmt.Errorf("consume tracking session: unexpected reply %T", res)
	}
}

func (s *RedisStore) Get(ctx context.Context, token string) (Session, error) {
	fields, err := s.redis.HGetAll(ctx, sessionKey(token)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("get tracking session: %w", err)
	}
	if len(fields) == 0 {
		return Session{}, ErrNotFound
	}
	return decodeSession(token, fields)
}

func (s *RedisStore) Delete(ctx context.Context, token string) (bool, error) {
	n, err := s.redis.Del(ctx, sessionKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("delete tracking session: %w", err)
	}
	return n > 0, nil
}

func decodeSession(token string, f map[string]string) (Session, error) {
	sess := Session{
		Token:     token,
		BookingID: types.ID(f["booking_id"]),
		CreatorID: types.ID(f["creator_id"]),
	}
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return Session{}, fmt.Errorf("decode created_at: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, f["expires_at"]); err != nil {
		return Session{}, fmt.Errorf("decode expires_at: %w", err)
	}
	if sess.AccessCount, err = strconv.ParseInt(f["access_count"], 10, 64); err != nil {
		return Session{}, fmt.Errorf("decode access_count: %w", err)
	}
	if raw := f["last_access_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Session{}, fmt.Errorf("decode last_access_at: %w", err)
		}
		sess.LastAccessAt = &at
	}
	return sess, nil
}

// MemoryStore is the single-process Store used when Redis is not configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, token string, now time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if now.After(s.ExpiresAt.Add(expiredGrace)) {
		delete(m.sessions, token)
		return Session{}, ErrNotFound
	}
	if !s.Readable(now) {
		return Session{}, ErrExpired
	}
	at := now.UTC()
	s.AccessCount++
	s.LastAccessAt = &at
	m.sessions[token] = s
	return s, nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[token]
	delete(m.sessions, token)
	return ok, nil
}
