package dialer

import (
	"context"
	"errors"
	"sync"
	"time"

	"campaign-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Locker grants the per-campaign loop lease. At most one holder exists per
// campaign; the lease expires if its holder stops refreshing it.
type Locker interface {
	TryLock(ctx context.Context, campaignID string, ttl time.Duration) (Lock, bool, error)
	Held(ctx context.Context, campaignID string) (bool, error)
}

type Lock interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

const leaseKeyPrefix = "dialer:lease:"

// RedisLocker shares leases across api and worker processes.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker { return &RedisLocker{rdb: rdb} }

func (l *RedisLocker) TryLock(ctx context.Context, campaignID string, ttl time.Duration) (Lock, bool, error) {
	lease, ok, err := utils.AcquireLease(ctx, l.rdb, leaseKeyPrefix+campaignID, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return redisLock{lease}, true, nil
}

func (l *RedisLocker) Held(ctx context.Context, campaignID string) (bool, error) {
	return utils.LeaseHeld(ctx, l.rdb, leaseKeyPrefix+campaignID)
}

type redisLock struct{ lease *utils.Lease }

func (r redisLock) Refresh(ctx context.Context) error {
	if err := r.lease.Refresh(ctx); err != nil {
		if errors.Is(err, utils.ErrLeaseLost) {
			return ErrLeaseLost
		}
		return err
	}
	return nil
}

func (r redisLock) Release(ctx context.Context) error { return r.lease.Release(ctx) }

// MemoryLocker is a process-local Locker for tests and single-process runs.
// TTLs are ignored; a lease lives until released.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLock
}

func NewMemoryLocker() *MemoryLocker { return &MemoryLocker{held: map[string]*memoryLock{}} }

func (l *MemoryLocker) TryLock(_ context.Context, campaignID string, _ time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[campaignID]; ok {
		return nil, false, nil
	}
	lk := &memoryLock{owner: l, id: campaignID}
	l.held[campaignID] = lk
	return lk, true, nil
}

func (l *MemoryLocker) Held(_ context.Context, campaignID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[campaignID]
	return ok, nil
}

type memoryLock struct {
	owner *MemoryLocker
	id    string
}

func (m *memoryLock) Refresh(context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if m.owner.held[m.id] != m {
		return ErrLeaseLost
	}
	return nil
}

func (m *memoryLock) Release(context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if m.owner.held[m.id] == m {
		delete(m.owner.held, m.id)
	}
	return nil
}
