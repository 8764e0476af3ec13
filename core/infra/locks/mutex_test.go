package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type failOpenCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func (c *failOpenCounter) IncFailOpen(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = map[string]int{}
	}
	c.count[component]++
}

func newTestMutex(t *testing.T, opts ...Option) (*Mutex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return NewMutex(client, opts...), mr
}

func TestAcquireRelease(t *testing.T) {
	m, mr := newTestMutex(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "repo:alpha", 2*time.Second)
	if err != nil || lease == nil {
		t.Fatalf("expected lease, err=%v", err)
	}
	if lease.Noop() {
		t.Fatalf("expected real lease")
	}
	if got, _ := mr.Get("lock:repo:alpha"); got != lease.Token {
		t.Fatalf("expected token stored, got %q", got)
	}
	if ttl := mr.TTL("lock:repo:alpha"); ttl <= 0 || ttl > 2*time.Second {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if second, err := m.Acquire(ctx, "repo:alpha", 2*time.Second); err != nil || second != nil {
		t.Fatalf("expected contention to return nil lease, got %+v err=%v", second, err)
	}

	released, err := m.Release(ctx, lease)
	if err != nil || !released {
		t.Fatalf("expected release, released=%v err=%v", released, err)
	}
	if again, err := m.Acquire(ctx, "repo:alpha", time.Second); err != nil || again == nil {
		t.Fatalf("expected acquire after release, err=%v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _ := newTestMutex(t)
	ctx := context.Background()

	const contenders = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases []*Lease
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lease, err := m.Acquire(ctx, "shared", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if lease != nil {
				mu.Lock()
				leases = append(leases, lease)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(leases) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(leases))
	}
}

func TestStaleReleaseIsNoop(t *testing.T) {
	m, mr := newTestMutex(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "job:1", time.Second)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := m.Acquire(ctx, "job:1", 10*time.Second)
	if err != nil || fresh == nil {
		t.Fatalf("expected re-acquire after expiry, err=%v", err)
	}

	released, err := m.Release(ctx, stale)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatalf("stale release must not report success")
	}
	holder, err := m.Holder(ctx, "job:1")
	if err != nil || holder != fresh.Token {
		t.Fatalf("expected fresh lease to survive, holder=%q err=%v", holder, err)
	}
}

func TestRenew(t *testing.T) {
	m, mr := newTestMutex(t)
	ctx := context.Background()

	lease, _ := m.Acquire(ctx, "renew", time.Second)
	ok, err := m.Renew(ctx, lease, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected renew, ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("lock:renew"); ttl <= time.Second {
		t.Fatalf("expected extended ttl, got %v", ttl)
	}

	other := &Lease{Resource: "renew", Token: "someone-else"}
	if ok, err := m.Renew(ctx, other, time.Second); err != nil || ok {
		t.Fatalf("expected renew by non-owner to fail, ok=%v err=%v", ok, err)
	}
}

func TestFailOpenWhenCacheDown(t *testing.T) {
	counter := &failOpenCounter{}
	m, mr := newTestMutex(t, WithMetrics(counter))
	mr.Close()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "job:down", time.Second)
	if err != nil {
		t.Fatalf("expected fail-open, got %v", err)
	}
	if lease == nil || !lease.Noop() {
		t.Fatalf("expected usable no-op lease, got %+v", lease)
	}
	if released, err := m.Release(ctx, lease); err != nil || !released {
		t.Fatalf("expected no-op release to succeed, released=%v err=%v", released, err)
	}
	if counter.count[component] != 1 {
		t.Fatalf("expected fail-open recorded, got %v", counter.count)
	}
}

func TestNoClientMutexFailsOpen(t *testing.T) {
	m := NewMutex(nil)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "job:local", time.Second)
	if err != nil || lease == nil || !lease.Noop() {
		t.Fatalf("expected no-op lease without a client, lease=%+v err=%v", lease, err)
	}
	if holder, err := m.Holder(ctx, "job:local"); err != nil || holder != "" {
		t.Fatalf("expected free resource without a client, holder=%q err=%v", holder, err)
	}
	if renewed, err := m.Renew(ctx, lease, time.Second); err != nil || !renewed {
		t.Fatalf("expected no-op renew, renewed=%v err=%v", renewed, err)
	}
	if released, err := m.Release(ctx, lease); err != nil || !released {
		t.Fatalf("expected no-op release, released=%v err=%v", released, err)
	}
}

func TestFailClosedWhenConfigured(t *testing.T) {
	m, mr := newTestMutex(t, WithFailClosed(true))
	mr.Close()

	lease, err := m.Acquire(context.Background(), "job:down", time.Second)
	if !errors.Is(err, ErrUnavailable) || lease != nil {
		t.Fatalf("expected ErrUnavailable, lease=%+v err=%v", lease, err)
	}
}

func TestAcquireRequiresResource(t *testing.T) {
	m, _ := newTestMutex(t)
	if _, err := m.Acquire(context.Background(), "  ", time.Second); !errors.Is(err, ErrResourceRequired) {
		t.Fatalf("expected ErrResourceRequired, got %v", err)
	}
}

func TestWithLock(t *testing.T) {
	m, _ := newTestMutex(t)
	ctx := context.Background()

	got, err := WithLock(ctx, m, "report", time.Second, func(ctx context.Context) (string, error) {
		return "ran", nil
	}, "skipped")
	if err != nil || got != "ran" {
		t.Fatalf("expected fn to run, got %q err=%v", got, err)
	}
	if holder, _ := m.Holder(ctx, "report"); holder != "" {
		t.Fatalf("expected lock released after fn")
	}

	held, _ := m.Acquire(ctx, "report", time.Second)
	called := false
	got, err = WithLock(ctx, m, "report", time.Second, func(ctx context.Context) (string, error) {
		called = true
		return "ran", nil
	}, "skipped")
	if err != nil || got != "skipped" || called {
		t.Fatalf("expected fallback without calling fn, got %q called=%v err=%v", got, called, err)
	}
	if _, err := m.Release(ctx, held); err != nil {
		t.Fatalf("release: %v", err)
	}
}
