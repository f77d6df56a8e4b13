// Package lock provides the lease that keeps a single sweeper active across
// replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepKey is the lease held while an escalation sweep runs.
const SweepKey = "opsgate:sweep"

// ErrNotHeld is returned when releasing a lease this holder does not own.
var ErrNotHeld = errors.New("lock: lease not held")

// Lease is an acquired lock. Releasing a lease that expired and was taken
// by another holder returns ErrNotHeld.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named leases. TryAcquire does not wait: ok is false when
// another holder owns the key.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lease never releases its successor's.
// KEYS[1] = lock key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: key, token: token}, true, nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string

	once sync.Once
	err  error
}

func (r *redisLease) Release(ctx context.Context) error {
	r.once.Do(func() {
		n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int64()
		if err != nil {
			r.err = fmt.Errorf("redis unlock %s: %w", r.key, err)
			return
		}
		if n == 0 {
			r.err = ErrNotHeld
		}
	})
	return r.err
}

// LocalLocker is an in-process Locker for single-replica deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), now: time.Now}
}

func (l *LocalLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.New().String()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, true, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (r *localLease) Release(context.Context) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	h, ok := r.locker.held[r.key]
	if !ok || h.token != r.token {
		return ErrNotHeld
	}
	delete(r.locker.held, r.key)
	return nil
}
