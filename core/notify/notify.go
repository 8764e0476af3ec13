// Package notify stores user notifications and mirrors each user's unread
// count in the shared cache.
//
// The durable store is always written first and is the only authority. The
// cached counter is a best-effort mirror: it is rebuilt from the store on a
// miss or cache error, and cache failures never reach the caller.
package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/evaluator/core/infra/logging"
)

const (
	component    = "notify"
	defaultLimit = 20
	maxLimit     = 100
)

var (
	// ErrEmptyRecipient is returned when a notification has no recipient.
	ErrEmptyRecipient = errors.New("notify: recipient must not be empty")
	// ErrNotFound is returned when marking a notification the recipient does not own.
	ErrNotFound = errors.New("notify: notification not found")
	// ErrBadCursor is returned for a cursor that was not produced by List.
	ErrBadCursor = errors.New("notify: invalid cursor")
)

// Notification is one message addressed to a user.
type Notification struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Link        string            `json:"link,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReadAt      *time.Time        `json:"read_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Options carries the optional parts of a notification.
type Options struct {
	Link     string
	Metadata map[string]string
}

// Page is one page of a recipient's notifications, newest first.
type Page struct {
	Items      []Notification `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Cursor positions a listing after (CreatedAt, ID) in descending order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque string form handed to clients.
func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by Encode. An empty string yields nil.
func DecodeCursor(s string) (*Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrBadCursor
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, ErrBadCursor
	}
	return &Cursor{CreatedAt: at, ID: id}, nil
}

// Store is the durable notification store.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	CountUnread(ctx context.Context, recipientID string) (int64, error)
	// List returns up to limit notifications strictly after cursor.
	List(ctx context.Context, recipientID string, cursor *Cursor, limit int) ([]Notification, error)
	// MarkRead reports whether the notification moved from unread to read.
	MarkRead(ctx context.Context, recipientID, id string, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
}

// Metrics records reads served by the durable store instead of the cache.
type Metrics interface {
	IncCacheFallback(cache string)
}

// Notifier is the notification surface used by workflows and the CLI.
type Notifier interface {
	Notify(ctx context.Context, recipientID, typ, title, body string, opts Options) (*Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	MarkAllRead(ctx context.Context, recipientID string) error
	List(ctx context.Context, recipientID, cursor string, limit int) (*Page, error)
}

// Service implements Notifier over a Store and an optional Counter.
type Service struct {
	store   Store
	counter Counter
	metrics Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches a cache fallback recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a notification service. counter may be nil, in which
// case every count is read from store.
func NewService(store Store, counter Counter, opts ...Option) *Service {
	s := &Service{store: store, counter: counter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify inserts the notification and then bumps the cached counter.
func (s *Service) Notify(ctx context.Context, recipientID, typ, title, body string, opts Options) (*Notification, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, ErrEmptyRecipient
	}
	n := &Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Type:        typ,
		Title:       title,
		Body:        body,
		Link:        opts.Link,
		Metadata:    opts.Metadata,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Insert(ctx, n); err != nil {
		return nil, fmt.Errorf("notify: insert: %w", err)
	}
	if s.counter != nil {
		if err := s.counter.Incr(ctx, recipientID); err != nil {
			logging.WarnContext(ctx, component, "unread counter increment failed", "recipient_id", recipientID, "error", err)
		}
	}
	return n, nil
}

// UnreadCount serves the cached count, falling back to the durable store on a
// miss or cache error and backfilling the cache afterwards.
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return 0, ErrEmptyRecipient
	}
	if s.counter != nil {
		n, ok, err := s.counter.Get(ctx, recipientID)
		switch {
		case err != nil:
			logging.WarnContext(ctx, component, "unread counter read failed", "recipient_id", recipientID, "error", err)
		case ok:
			return n, nil
		}
	}
	if s.metrics != nil {
		s.metrics.IncCacheFallback(component)
	}
	n, err := s.store.CountUnread(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("notify: count unread: %w", err)
	}
	if s.counter != nil {
		if err := s.counter.Set(ctx, recipientID, n); err != nil {
			logging.WarnContext(ctx, component, "unread counter backfill failed", "recipient_id", recipientID, "error", err)
		}
	}
	return n, nil
}

// MarkRead marks one notification read and decrements the cached counter.
func (s *Service) MarkRead(ctx context.Context, recipientID, id string) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return ErrEmptyRecipient
	}
	changed, err := s.store.MarkRead(ctx, recipientID, id, s.now().UTC())
	if err != nil {
		return fmt.Errorf("notify: mark read: %w", err)
	}
	if !changed || s.counter == nil {
		return nil
	}
	if err := s.counter.Decr(ctx, recipientID); err != nil {
		logging.WarnContext(ctx, component, "unread counter decrement failed", "recipient_id", recipientID, "error", err)
		s.invalidate(ctx, recipientID)
	}
	return nil
}

// MarkAllRead marks every notification read and zeroes the cached counter.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return ErrEmptyRecipient
	}
	if _, err := s.store.MarkAllRead(ctx, recipientID, s.now().UTC()); err != nil {
		return fmt.Errorf("notify: mark all read: %w", err)
	}
	if s.counter == nil {
		return nil
	}
	if err := s.counter.Set(ctx, recipientID, 0); err != nil {
		logging.WarnContext(ctx, component, "unread counter reset failed", "recipient_id", recipientID, "error", err)
		s.invalidate(ctx, recipientID)
	}
	return nil
}

// invalidate drops a counter that could not be updated, so the next read
// recounts from the store instead of serving the old value.
func (s *Service) invalidate(ctx context.Context, recipientID string) {
	if err := s.counter.Invalidate(ctx, recipientID); err != nil {
		logging.WarnContext(ctx, component, "unread counter invalidate failed", "recipient_id", recipientID, "error", err)
	}
}

// List returns a page of notifications, newest first.
func (s *Service) List(ctx context.Context, recipientID, cursor string, limit int) (*Page, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, ErrEmptyRecipient
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	items, err := s.store.List(ctx, recipientID, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	page := &Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	if page.Items == nil {
		page.Items = []Notification{}
	}
	return page, nil
}
