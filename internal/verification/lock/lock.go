// Package lock provides short-lived per-session mutual exclusion for callback
// completion. The memory locker serves a single instance; the Redis locker is shared
// by every instance pointed at the same Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can block a session.
const DefaultTTL = 30 * time.Second

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock held")

// ErrLost is returned by Extend when the lease is no longer held.
var ErrLost = errors.New("lock lost")

// Lease identifies one successful acquisition.
type Lease struct {
	Key   string
	Token string
}

// Locker acquires and releases named leases.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Extend pushes the lease's expiry to ttl from now. It returns ErrLost when the
	// lease expired and someone else may hold the key.
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Unlock releases lease if it is still the current holder.
	Unlock(ctx context.Context, lease *Lease) error
}

// Keep extends lease every ttl/3 until the returned stop func is called. onLost is
// called once if the lease cannot be kept.
func Keep(ctx context.Context, l Locker, lease *Lease, ttl time.Duration, onLost func(error)) (stop func()) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(ctx, lease, ttl); err != nil {
					if ctx.Err() != nil {
						return
					}
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func newLease(key string) *Lease {
	return &Lease{Key: key, Token: uuid.NewString()}
}

type entry struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]entry
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]entry), clock: time.Now}
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if e, ok := m.held[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrHeld
	}
	lease := newLease(key)
	m.held[key] = entry{token: lease.Token, expiresAt: now.Add(ttl)}
	return lease, nil
}

func (m *Memory) Extend(_ context.Context, lease *Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	e, ok := m.held[lease.Key]
	if !ok || e.token != lease.Token || !now.Before(e.expiresAt) {
		return ErrLost
	}
	m.held[lease.Key] = entry{token: lease.Token, expiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) Unlock(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.held[lease.Key]; ok && e.token == lease.Token {
		delete(m.held, lease.Key)
	}
	return nil
}

const keyPrefix = "humanscore:lock:"

// Compare-and-delete so an expired holder cannot release a successor's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	lease := newLease(key)
	ok, err := r.client.SetNX(ctx, keyPrefix+key, lease.Token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return lease, nil
}

func (r *Redis) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n, err := extendScript.Run(ctx, r.client, []string{keyPrefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (r *Redis) Unlock(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return unlockScript.Run(ctx, r.client, []string{keyPrefix + lease.Key}, lease.Token).Err()
}
