package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fallbackRecorder struct {
	n int
}

func (f *fallbackRecorder) IncCacheFallback(string) { f.n++ }

type fixture struct {
	mr      *miniredis.Miniredis
	store   *MemoryStore
	metrics *fallbackRecorder
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	tick := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	f := &fixture{mr: mr, store: NewMemoryStore(), metrics: &fallbackRecorder{}}
	f.svc = NewService(f.store, NewRedisCounter(client, time.Hour), WithMetrics(f.metrics), WithClock(clock))
	return f
}

func (f *fixture) notify(t *testing.T, recipient string) *Notification {
	t.Helper()
	n, err := f.svc.Notify(context.Background(), recipient, "evaluation", "Attempt graded", "score 80", Options{Link: "/attempts/a1"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	return n
}

func (f *fixture) unread(t *testing.T, recipient string) int64 {
	t.Helper()
	n, err := f.svc.UnreadCount(context.Background(), recipient)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	return n
}

func TestUnreadCountColdCacheBackfills(t *testing.T) {
	f := newFixture(t)
	f.notify(t, "u1")

	if f.mr.Exists(counterKey("u1")) {
		t.Fatalf("cold counter must not be created by an increment")
	}
	if got := f.unread(t, "u1"); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	if v, _ := f.mr.Get(counterKey("u1")); v != "1" {
		t.Fatalf("expected backfilled counter 1, got %q", v)
	}
	if ttl := f.mr.TTL(counterKey("u1")); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected counter ttl, got %v", ttl)
	}
	if f.metrics.n != 1 {
		t.Fatalf("expected one cache fallback, got %d", f.metrics.n)
	}
}

func TestNotifyIncrementsWarmCounter(t *testing.T) {
	f := newFixture(t)
	if got := f.unread(t, "u1"); got != 0 {
		t.Fatalf("expected 0 unread, got %d", got)
	}
	f.notify(t, "u1")
	f.notify(t, "u1")

	if got := f.unread(t, "u1"); got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}
	if f.metrics.n != 1 {
		t.Fatalf("warm reads must be served by the cache, fallbacks=%d", f.metrics.n)
	}
}

func TestMarkAllReadZeroes(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.notify(t, "u1")
	}
	if got := f.unread(t, "u1"); got != 3 {
		t.Fatalf("expected 3 unread, got %d", got)
	}
	if err := f.svc.MarkAllRead(context.Background(), "u1"); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if got := f.unread(t, "u1"); got != 0 {
		t.Fatalf("expected 0 unread, got %d", got)
	}

	// A stale high counter is overwritten as well.
	f.notify(t, "u1")
	_ = f.mr.Set(counterKey("u1"), "7")
	if err := f.svc.MarkAllRead(context.Background(), "u1"); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if got := f.unread(t, "u1"); got != 0 {
		t.Fatalf("expected 0 unread after stale counter, got %d", got)
	}
}

func TestMarkReadDecrementsAndClamps(t *testing.T) {
	f := newFixture(t)
	a := f.notify(t, "u1")
	b := f.notify(t, "u1")
	if got := f.unread(t, "u1"); got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}
	if err := f.svc.MarkRead(context.Background(), "u1", a.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := f.unread(t, "u1"); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	// Marking the same notification again does not decrement twice.
	if err := f.svc.MarkRead(context.Background(), "u1", a.ID); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if got := f.unread(t, "u1"); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}

	_ = f.mr.Set(counterKey("u1"), "0")
	if err := f.svc.MarkRead(context.Background(), "u1", b.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if v, _ := f.mr.Get(counterKey("u1")); v != "0" {
		t.Fatalf("expected counter clamped at 0, got %q", v)
	}
}

func TestMarkReadUnknown(t *testing.T) {
	f := newFixture(t)
	f.notify(t, "u1")
	if err := f.svc.MarkRead(context.Background(), "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCacheDownFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	f.notify(t, "u1")
	if got := f.unread(t, "u1"); got != 1 {
		t.Fatalf("expected 1 unread from store, got %d", got)
	}
	if err := f.svc.MarkAllRead(context.Background(), "u1"); err != nil {
		t.Fatalf("mark all read must swallow cache errors: %v", err)
	}
	if got := f.unread(t, "u1"); got != 0 {
		t.Fatalf("expected 0 unread from store, got %d", got)
	}
	if f.metrics.n != 2 {
		t.Fatalf("expected two fallbacks, got %d", f.metrics.n)
	}
}

func TestNotifyRequiresRecipient(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Notify(context.Background(), " ", "t", "title", "", Options{}); !errors.Is(err, ErrEmptyRecipient) {
		t.Fatalf("expected ErrEmptyRecipient, got %v", err)
	}
	if _, err := f.svc.UnreadCount(context.Background(), ""); !errors.Is(err, ErrEmptyRecipient) {
		t.Fatalf("expected ErrEmptyRecipient, got %v", err)
	}
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.notify(t, "u1").ID)
	}
	f.notify(t, "u2")

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatalf("pagination did not terminate")
		}
		page, err := f.svc.List(context.Background(), "u1", cursor, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, n := range page.Items {
			seen = append(seen, n.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 notifications, got %d", len(seen))
	}
	for i := range seen {
		if seen[i] != ids[len(ids)-1-i] {
			t.Fatalf("expected newest first at %d", i)
		}
	}

	if _, err := f.svc.List(context.Background(), "u1", "not-a-cursor!", 2); !errors.Is(err, ErrBadCursor) {
		t.Fatalf("expected ErrBadCursor, got %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 123456789, time.UTC)
	c, err := DecodeCursor(Cursor{CreatedAt: at, ID: "n1"}.Encode())
	if err != nil || c == nil || !c.CreatedAt.Equal(at) || c.ID != "n1" {
		t.Fatalf("unexpected cursor %+v err=%v", c, err)
	}
	if c, err := DecodeCursor(""); c != nil || err != nil {
		t.Fatalf("expected nil cursor for empty input")
	}
}

// flakyCounter fails the next Set or Decr once, as a transient cache error would.
type flakyCounter struct {
	*RedisCounter
	failSet  bool
	failDecr bool
}

func (c *flakyCounter) Set(ctx context.Context, recipientID string, n int64) error {
	if c.failSet {
		c.failSet = false
		return errors.New("connection reset")
	}
	return c.RedisCounter.Set(ctx, recipientID, n)
}

func (c *flakyCounter) Decr(ctx context.Context, recipientID string) error {
	if c.failDecr {
		c.failDecr = false
		return errors.New("connection reset")
	}
	return c.RedisCounter.Decr(ctx, recipientID)
}

func TestFailedCounterUpdateInvalidates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	counter := &flakyCounter{RedisCounter: NewRedisCounter(client, time.Hour)}
	store := NewMemoryStore()
	svc := NewService(store, counter)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		n, err := svc.Notify(ctx, "u1", "evaluation", "Attempt graded", "", Options{})
		if err != nil {
			t.Fatalf("notify: %v", err)
		}
		ids = append(ids, n.ID)
	}
	if n, err := svc.UnreadCount(ctx, "u1"); err != nil || n != 3 {
		t.Fatalf("expected 3 unread, got %d err=%v", n, err)
	}

	counter.failDecr = true
	if err := svc.MarkRead(ctx, "u1", ids[0]); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if mr.Exists(counterKey("u1")) {
		t.Fatalf("counter must be dropped after a failed decrement")
	}
	if n, err := svc.UnreadCount(ctx, "u1"); err != nil || n != 2 {
		t.Fatalf("expected 2 unread after failed decrement, got %d err=%v", n, err)
	}

	counter.failSet = true
	if err := svc.MarkAllRead(ctx, "u1"); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if n, err := svc.UnreadCount(ctx, "u1"); err != nil || n != 0 {
		t.Fatalf("expected 0 unread after failed reset, got %d err=%v", n, err)
	}
}
