package anomaly

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutStore persists temporary lockouts with their expiry.
type LockoutStore interface {
	Lock(ctx context.Context, actorID string, until time.Time) error
	// Get returns the expiry and whether a lockout exists. Callers check
	// the expiry themselves; stores may also self-expire.
	Get(ctx context.Context, actorID string) (time.Time, bool, error)
	Clear(ctx context.Context, actorID string) error
}

// MemoryLockoutStore is an in-memory LockoutStore for tests and
// single-process use.
type MemoryLockoutStore struct {
	mu    sync.RWMutex
	until map[string]time.Time
}

// NewMemoryLockoutStore creates an empty MemoryLockoutStore.
func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{until: make(map[string]time.Time)}
}

func (m *MemoryLockoutStore) Lock(_ context.Context, actorID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[actorID] = until
	return nil
}

func (m *MemoryLockoutStore) Get(_ context.Context, actorID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.until[actorID]
	return until, ok, nil
}

func (m *MemoryLockoutStore) Clear(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, actorID)
	return nil
}

// Sweep drops entries already past their expiry. The Redis store
// self-expires; the memory store needs the background sweep.
func (m *MemoryLockoutStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, until := range m.until {
		if !until.After(now) {
			delete(m.until, id)
			n++
		}
	}
	return n
}

// RedisLockoutStore implements LockoutStore on Redis, using key TTLs so
// lockouts expire without a sweeper.
type RedisLockoutStore struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisLockoutStore creates a store backed by Redis.
func NewRedisLockoutStore(addr, password string, db int) *RedisLockoutStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLockoutStore{client: rdb, clock: time.Now}
}

func lockoutKey(actorID string) string { return "lockout:" + actorID }

func (s *RedisLockoutStore) Lock(ctx context.Context, actorID string, until time.Time) error {
	ttl := until.Sub(s.clock())
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, lockoutKey(actorID), until.UTC().Format(time.RFC3339Nano), ttl).Err()
}

func (s *RedisLockoutStore) Get(ctx context.Context, actorID string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, lockoutKey(actorID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	until, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func (s *RedisLockoutStore) Clear(ctx context.Context, actorID string) error {
	return s.client.Del(ctx, lockoutKey(actorID)).Err()
}
