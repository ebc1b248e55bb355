package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory outbox for demo/development.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
	dedup  map[string]string
}

// NewMemoryStore creates a new in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		dedup:  make(map[string]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.DedupKey != "" {
		if _, ok := m.dedup[e.DedupKey]; ok {
			return ErrDuplicate
		}
		m.dedup[e.DedupKey] = e.ID
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Event
	for _, e := range m.events {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Event, 0, len(due))
	for _, e := range due {
		e.NextAttemptAt = now.Add(lease)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = StatusDelivered
	e.DeliveredAt = &at
	e.Attempts++
	e.LastError = ""
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Attempts = attempts
	e.NextAttemptAt = next
	e.LastError = lastErr
	if dead {
		e.Status = StatusDead
	}
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Event
	for _, e := range m.events {
		if e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
