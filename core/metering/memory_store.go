package metering

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Useful for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
	logs    []UsageLog
}

// NewMemoryStore creates a new in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pricing: make(map[string]Pricing)}
}

// SetPricing inserts or replaces the price for a model.
func (m *MemoryStore) SetPricing(_ context.Context, p Pricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricing[p.Model] = p
	return nil
}

func (m *MemoryStore) PricingFor(_ context.Context, model string) (*Pricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pricing[model]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) InsertUsage(_ context.Context, l *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *l)
	return nil
}

// Logs returns a copy of every recorded usage log.
func (m *MemoryStore) Logs() []UsageLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UsageLog, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *MemoryStore) window(since time.Time) []UsageLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UsageLog
	for _, l := range m.logs {
		if !l.CreatedAt.Before(since) {
			out = append(out, l)
		}
	}
	return out
}

func (m *MemoryStore) Summarize(_ context.Context, since time.Time) (Summary, error) {
	var out Summary
	var duration int64
	for _, l := range m.window(since) {
		out.Requests++
		out.TotalTokens += l.TotalTokens
		out.TotalCostUSD += l.TotalCostUSD
		out.CreditsCharged += l.CreditsCharged
		duration += l.DurationMs
	}
	if out.Requests > 0 {
		out.AvgDurationMs = float64(duration) / float64(out.Requests)
	}
	return out, nil
}

func (m *MemoryStore) ByFeature(_ context.Context, since time.Time) ([]FeatureCost, error) {
	index := map[string]*FeatureCost{}
	for _, l := range m.window(since) {
		fc, ok := index[l.FeatureKey]
		if !ok {
			fc = &FeatureCost{FeatureKey: l.FeatureKey}
			index[l.FeatureKey] = fc
		}
		fc.Requests++
		fc.TotalTokens += l.TotalTokens
		fc.TotalCostUSD += l.TotalCostUSD
		fc.CreditsCharged += l.CreditsCharged
	}
	out := make([]FeatureCost, 0, len(index))
	for _, fc := range index {
		out = append(out, *fc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCostUSD != out[j].TotalCostUSD {
			return out[i].TotalCostUSD > out[j].TotalCostUSD
		}
		return out[i].FeatureKey < out[j].FeatureKey
	})
	return out, nil
}

func (m *MemoryStore) Daily(_ context.Context, since time.Time) ([]DailyCost, error) {
	index := map[time.Time]*DailyCost{}
	for _, l := range m.window(since) {
		day := startOfDay(l.CreatedAt)
		dc, ok := index[day]
		if !ok {
			dc = &DailyCost{Day: day}
			index[day] = dc
		}
		dc.Requests++
		dc.TotalTokens += l.TotalTokens
		dc.TotalCostUSD += l.TotalCostUSD
	}
	out := make([]DailyCost, 0, len(index))
	for _, dc := range index {
		out = append(out, *dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}
