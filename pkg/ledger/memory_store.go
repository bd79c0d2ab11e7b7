package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	traces map[string]*traceLog
}

type traceLog struct {
	mu     sync.RWMutex
	events []AuditEvent
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make(map[string]*traceLog)}
}

func (m *MemoryStore) trace(traceID string, create bool) *traceLog {
	m.mu.RLock()
	t, ok := m.traces[traceID]
	m.mu.RUnlock()
	if ok || !create {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.traces[traceID]; !ok {
		t = &traceLog{}
		m.traces[traceID] = t
	}
	return t
}

// AppendFunc implements Store.
func (m *MemoryStore) AppendFunc(_ context.Context, traceID string, build func(tail *AuditEvent) (*AuditEvent, error)) (*AuditEvent, error) {
	t := m.trace(traceID, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	var tail *AuditEvent
	if n := len(t.events); n > 0 {
		last := t.events[n-1]
		tail = &last
	}

	ev, err := build(tail)
	if err != nil {
		return nil, err
	}
	if tail != nil && ev.Sequence <= tail.Sequence {
		return nil, ErrSequenceConflict
	}
	t.events = append(t.events, *ev)
	return ev, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, traceID string) ([]AuditEvent, error) {
	t := m.trace(traceID, false)
	if t == nil {
		return []AuditEvent{}, nil
	}
	t.mu.RLock()
	out := make([]AuditEvent, len(t.events))
	copy(out, t.events)
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}
