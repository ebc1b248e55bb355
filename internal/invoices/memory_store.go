package invoices

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory invoice store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	invoices  map[string]*Invoice
	numbers   map[string]string
	payments  map[string]string
	sequences map[string]int64
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:  make(map[string]*Invoice),
		numbers:   make(map[string]string),
		payments:  make(map[string]string),
		sequences: make(map[string]int64),
	}
}

func (m *MemoryStore) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.numbers[inv.Number]; ok {
		return ErrInvoiceNumberTaken
	}
	if inv.PaymentID != "" {
		if _, ok := m.payments[inv.PaymentID]; ok {
			return ErrPaymentAlreadyInvoiced
		}
		m.payments[inv.PaymentID] = inv.ID
	}
	m.numbers[inv.Number] = inv.ID
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (m *MemoryStore) GetByPaymentID(_ context.Context, paymentID string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return m.invoices[id].Clone(), nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.ClientID == clientID {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if cur.Version != inv.Version {
		return ErrConcurrentUpdate
	}
	if inv.PaymentID != cur.PaymentID && inv.PaymentID != "" {
		if owner, ok := m.payments[inv.PaymentID]; ok && owner != inv.ID {
			return ErrPaymentAlreadyInvoiced
		}
		m.payments[inv.PaymentID] = inv.ID
	}
	inv.Version++
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) NextSequence(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequences[key]++
	return m.sequences[key], nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.Status == StatusSent && inv.DueDate.Before(now) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
