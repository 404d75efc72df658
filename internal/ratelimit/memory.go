package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps counters in process memory. It is not shared across
// instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]window{}}
}

func (m *MemoryStore) Incr(_ context.Context, key string, length time.Duration, now time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.entries[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(length)}
	}
	w.count++
	m.entries[key] = w
	return w.count, w.resetAt, nil
}

// Sweep evicts windows that have expired at now and returns how many.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, w := range m.entries {
		if !now.Before(w.resetAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 && logger != nil {
				logger.Debug("rate limit sweep", "evicted", n)
			}
		}
	}
}
