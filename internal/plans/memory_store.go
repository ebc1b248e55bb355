package plans

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory plan store for demo/development.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan // by ID
	codes map[string]string
}

// NewMemoryStore creates a new in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string]*Plan),
		codes: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.codes[p.Code]; exists {
		return ErrPlanCodeTaken
	}
	m.plans[p.ID] = p.Clone()
	m.codes[p.Code] = p.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) GetByCode(_ context.Context, code string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return m.plans[id].Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, activeOnly bool) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[p.ID]; !ok {
		return ErrPlanNotFound
	}
	m.plans[p.ID] = p.Clone()
	return nil
}

var _ Store = (*MemoryStore)(nil)
