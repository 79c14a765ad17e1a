package lockdrop

import (
	"context"
	"sync"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// MemoryStore is an in-memory event log for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]int
}

// NewMemoryStore creates an empty event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (m *MemoryStore) Append(ctx context.Context, e Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.byID[e.ID]; ok {
		return m.events[i], nil
	}
	e.Seq = int64(len(m.events) + 1)
	m.byID[e.ID] = len(m.events)
	m.events = append(m.events, e)
	return e, nil
}

func (m *MemoryStore) List(ctx context.Context, filter EventFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := clampLimit(filter.Limit)
	var out []Event
	for _, e := range m.events {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) All(ctx context.Context) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (f EventFilter) matches(e Event) bool {
	if e.Seq <= f.AfterSeq {
		return false
	}
	if f.Owner != nil && e.Owner != *f.Owner {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultEventLimit
	}
	if n > maxEventLimit {
		return maxEventLimit
	}
	return n
}
