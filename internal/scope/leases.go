package scope

import (
	"context"
	"sync"
	"time"

	"call-orchestrator/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// LeaseStore grants exclusive TTL leases on scope ids across API processes.
type LeaseStore interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// RedisLeases stores leases in Redis using atomic Lua scripts.
type RedisLeases struct {
	rdb *redis.Client
}

func NewRedisLeases(rdb *redis.Client) *RedisLeases { return &RedisLeases{rdb: rdb} }

func (l *RedisLeases) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return utils.AcquireLease(ctx, l.rdb, key, owner, ttl)
}

func (l *RedisLeases) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return utils.RenewLease(ctx, l.rdb, key, owner, ttl)
}

func (l *RedisLeases) Release(ctx context.Context, key, owner string) error {
	return utils.ReleaseLease(ctx, l.rdb, key, owner)
}

// MemoryLeases is an in-process LeaseStore useful for tests.
// It is not intended for production use.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{leases: make(map[string]memoryLease), now: time.Now}
}

func (l *MemoryLeases) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLeases) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLeases) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}

// Holder returns the current owner of key, or "" when the lease is free or expired.
func (l *MemoryLeases) Holder(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || !l.now().Before(cur.expires) {
		return ""
	}
	return cur.owner
}
