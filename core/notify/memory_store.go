package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Useful for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]*Notification
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]*Notification)}
}

func (m *MemoryStore) Insert(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.RecipientID] = append(m.items[n.RecipientID], &cp)
	return nil
}

func (m *MemoryStore) CountUnread(_ context.Context, recipientID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, item := range m.items[recipientID] {
		if item.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) List(_ context.Context, recipientID string, cursor *Cursor, limit int) ([]Notification, error) {
	m.mu.RLock()
	all := make([]Notification, 0, len(m.items[recipientID]))
	for _, item := range m.items[recipientID] {
		all = append(all, *item)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return newer(all[i].CreatedAt, all[i].ID, all[j].CreatedAt, all[j].ID) })
	out := make([]Notification, 0, limit)
	for _, n := range all {
		if cursor != nil && !newer(cursor.CreatedAt, cursor.ID, n.CreatedAt, n.ID) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, recipientID, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items[recipientID] {
		if item.ID != id {
			continue
		}
		if item.ReadAt != nil {
			return false, nil
		}
		t := at
		item.ReadAt = &t
		return true, nil
	}
	return false, ErrNotFound
}

func (m *MemoryStore) MarkAllRead(_ context.Context, recipientID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, item := range m.items[recipientID] {
		if item.ReadAt == nil {
			t := at
			item.ReadAt = &t
			n++
		}
	}
	return n, nil
}

// newer orders by (createdAt, id) descending.
func newer(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return aID > bID
}
