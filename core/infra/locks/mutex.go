// Package locks provides a lease-based distributed mutex over the shared cache.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/evaluator/core/infra/logging"
)

const (
	defaultTTL = 30 * time.Second
	keyPrefix  = "lock:"
	component  = "mutex"
)

var (
	// ErrUnavailable is returned instead of a no-op lease when the mutex is
	// configured to fail closed and the cache cannot be reached.
	ErrUnavailable = errors.New("locks: cache unavailable")
	// ErrResourceRequired is returned for an empty resource key.
	ErrResourceRequired = errors.New("locks: resource required")
)

// releaseScript deletes the lock only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the caller still owns the lock.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is proof of ownership of a resource until ExpiresAt.
type Lease struct {
	Resource  string    `json:"resource"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	noop      bool
}

// Noop reports whether the lease was granted without the cache (fail-open).
func (l *Lease) Noop() bool {
	return l != nil && l.noop
}

// Metrics records fail-open decisions.
type Metrics interface {
	IncFailOpen(component string)
}

// Mutex hands out exclusive leases. Acquire never blocks or queues.
type Mutex struct {
	client     redis.UniversalClient
	ttl        time.Duration
	failClosed bool
	metrics    Metrics
	now        func() time.Time
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithDefaultTTL sets the TTL used when Acquire is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Mutex) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithFailClosed makes Acquire return ErrUnavailable during a cache outage
// instead of a no-op lease.
func WithFailClosed(failClosed bool) Option {
	return func(m *Mutex) { m.failClosed = failClosed }
}

// WithMetrics attaches a fail-open recorder.
func WithMetrics(metrics Metrics) Option {
	return func(m *Mutex) { m.metrics = metrics }
}

// NewMutex builds a mutex on top of client.
func NewMutex(client redis.UniversalClient, opts ...Option) *Mutex {
	m := &Mutex{client: client, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire creates the lock record for resource only if absent. It returns a
// nil lease when another owner holds it. If the cache is unreachable the
// mutex fails open and returns a no-op lease.
func (m *Mutex) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, ErrResourceRequired
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	token := uuid.NewString()
	if m.client == nil {
		return m.degrade(ctx, resource, token, ttl, errors.New("no cache client"))
	}
	ok, err := m.client.SetNX(ctx, lockKey(resource), token, ttl).Result()
	if err != nil {
		return m.degrade(ctx, resource, token, ttl, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Resource: resource, Token: token, ExpiresAt: m.now().Add(ttl).UTC()}, nil
}

func (m *Mutex) degrade(ctx context.Context, resource, token string, ttl time.Duration, cause error) (*Lease, error) {
	if m.failClosed {
		logging.ErrorContext(ctx, component, "cache unavailable, refusing lock", "resource", resource, "error", cause)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	logging.WarnContext(ctx, component, "cache unavailable, granting no-op lease", "resource", resource, "error", cause)
	if m.metrics != nil {
		m.metrics.IncFailOpen(component)
	}
	return &Lease{Resource: resource, Token: token, ExpiresAt: m.now().Add(ttl).UTC(), noop: true}, nil
}

// Release deletes the lock only if it is still held under lease's token. A
// stale lease (expired and re-acquired by someone else) releases nothing and
// reports false.
func (m *Mutex) Release(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	if lease.noop {
		return true, nil
	}
	n, err := releaseScript.Run(ctx, m.client, []string{lockKey(lease.Resource)}, lease.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", lease.Resource, err)
	}
	return n == 1, nil
}

// Renew extends a held lease. It reports false if the lease is no longer held.
func (m *Mutex) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error) {
	if lease == nil {
		return false, nil
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	if lease.noop {
		lease.ExpiresAt = m.now().Add(ttl).UTC()
		return true, nil
	}
	n, err := renewScript.Run(ctx, m.client, []string{lockKey(lease.Resource)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", lease.Resource, err)
	}
	if n != 1 {
		return false, nil
	}
	lease.ExpiresAt = m.now().Add(ttl).UTC()
	return true, nil
}

// Holder returns the owner token currently stored for resource, or "" when
// free. Without a cache client every resource reads as free.
func (m *Mutex) Holder(ctx context.Context, resource string) (string, error) {
	if m.client == nil {
		return "", nil
	}
	token, err := m.client.Get(ctx, lockKey(strings.TrimSpace(resource))).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

// WithLock runs fn while holding resource. When the lock is held elsewhere it
// returns fallback without calling fn; contention is not an error.
func WithLock[T any](ctx context.Context, m *Mutex, resource string, ttl time.Duration, fn func(ctx context.Context) (T, error), fallback T) (T, error) {
	lease, err := m.Acquire(ctx, resource, ttl)
	if err != nil {
		return fallback, err
	}
	if lease == nil {
		logging.DebugContext(ctx, component, "lock contended", "resource", resource)
		return fallback, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if released, err := m.Release(rctx, lease); err != nil {
			logging.WarnContext(ctx, component, "release failed", "resource", resource, "error", err)
		} else if !released {
			logging.WarnContext(ctx, component, "lease expired before release", "resource", resource)
		}
	}()
	return fn(ctx)
}

func lockKey(resource string) string {
	return keyPrefix + resource
}
