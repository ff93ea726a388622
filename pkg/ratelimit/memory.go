package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

type fixedWindow struct {
	count     int64
	windowEnd time.Time
}

// MemoryStore is a process-local fixed-window CounterStore.
//
// Bursts that straddle a window boundary can admit up to twice the capacity,
// and counters are not shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*fixedWindow)}
}

// Hit increments the counter for key, starting a new window when the
// previous one has ended.
func (m *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.After(w.windowEnd) {
		w = &fixedWindow{windowEnd: now.Add(window)}
		m.windows[key] = w
	}
	w.count++
	return Window{Count: w.count, ResetAt: w.windowEnd}, nil
}

func (m *MemoryStore) Flush(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.windows {
		if strings.HasPrefix(key, prefix) {
			delete(m.windows, key)
		}
	}
	return nil
}

// Sweep drops counters whose window ended before now and returns how many
// were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, w := range m.windows {
		if now.After(w.windowEnd) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

type MemoryStats struct {
	Keys int `json:"keys"`
}

func (m *MemoryStore) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{Keys: len(m.windows)}
}
