package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for demo/development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

// liveFor returns the live subscription of clientID other than exceptID.
// Caller must hold m.mu.
func (m *MemoryStore) liveFor(clientID, exceptID string) *Subscription {
	for _, s := range m.subs {
		if s.ClientID == clientID && s.ID != exceptID && s.Status.Live() {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.Status.Live() && m.liveFor(sub.ClientID, sub.ID) != nil {
		return ErrDuplicateActiveSubscription
	}
	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, clientID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s := m.liveFor(clientID, ""); s != nil {
		return s.Clone(), nil
	}
	return nil, ErrNoActiveSubscription
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if s.ClientID == clientID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if cur.Version != sub.Version {
		return ErrConcurrentUpdate
	}
	if sub.Status.Live() && m.liveFor(sub.ClientID, sub.ID) != nil {
		return ErrDuplicateActiveSubscription
	}
	sub.Version++
	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if due(s, now) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
