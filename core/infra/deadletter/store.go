// Package deadletter keeps events that were rejected at ingress so operators
// can inspect them after they have been acked off the bus.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	entryKeyPrefix    = "deadletter:entry:"
	indexKey          = "deadletter:index"
	defaultMaxEntries = 1000
)

// ErrNotFound is returned by Get and Delete for an unknown entry.
var ErrNotFound = errors.New("deadletter: entry not found")

// Entry captures a rejected event.
type Entry struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type,omitempty"`
	Reason    string          `json:"reason"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists entries in Redis with a time-ordered index capped at the
// newest maxEntries.
type Store struct {
	client     redis.UniversalClient
	maxEntries int64
	now        func() time.Time
}

type Option func(*Store)

// WithMaxEntries caps how many entries the index keeps.
func WithMaxEntries(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, maxEntries: defaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records an entry. A missing id is minted; a repeated id overwrites.
func (s *Store) Add(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		// keep undecodable payloads readable
		raw, _ := json.Marshal(string(e.Data))
		e.Data = raw
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKey(e.ID), data, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: e.ID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}
	return s.trim(ctx)
}

func (s *Store) trim(ctx context.Context) error {
	n, err := s.client.ZCard(ctx, indexKey).Result()
	if err != nil || n <= s.maxEntries {
		return err
	}
	stale, err := s.client.ZRange(ctx, indexKey, 0, n-s.maxEntries-1).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, id := range stale {
		pipe.Del(ctx, entryKey(id))
		pipe.ZRem(ctx, indexKey, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, entryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := s.client.Get(ctx, entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, entryKey(id))
	pipe.ZRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func entryKey(id string) string {
	return entryKeyPrefix + id
}
