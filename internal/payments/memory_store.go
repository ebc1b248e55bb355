package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	byOrder  map[string]string // gateway order id -> payment id
	byGwPay  map[string]string // gateway payment id -> payment id
	events   map[string]*WebhookEvent
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byOrder:  make(map[string]string),
		byGwPay:  make(map[string]string),
		events:   make(map[string]*WebhookEvent),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[p.GatewayOrderID]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicateOrder
	}
	m.payments[p.ID] = p.Clone()
	m.byOrder[p.GatewayOrderID] = p.ID
	if p.GatewayPaymentID != "" {
		m.byGwPay[p.GatewayPaymentID] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) GetByOrderID(_ context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return m.payments[id].Clone(), nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.ClientID == clientID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, orderID, gatewayPaymentID string, at time.Time) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}
	p := m.payments[id]
	if p.Status != StatusPending && p.Status != StatusFailed {
		return p.Clone(), false, nil
	}
	if other, taken := m.byGwPay[gatewayPaymentID]; taken && other != p.ID {
		return nil, false, ErrDuplicateGatewayPay
	}

	p.Status = StatusCompleted
	p.GatewayPaymentID = gatewayPaymentID
	p.SignatureVerified = true
	p.FailureCode = ""
	p.FailureReason = ""
	paid := at
	p.PaidAt = &paid
	p.UpdatedAt = at
	m.byGwPay[gatewayPaymentID] = p.ID
	return p.Clone(), true, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, orderID, code, reason string, at time.Time) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}
	p := m.payments[id]
	if p.Status != StatusPending {
		return p.Clone(), false, nil
	}
	p.Status = StatusFailed
	p.FailureCode = code
	p.FailureReason = reason
	p.UpdatedAt = at
	return p.Clone(), true, nil
}

func (m *MemoryStore) update(id string, fn func(p *Payment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	fn(p)
	return nil
}

func (m *MemoryStore) LinkSubscription(_ context.Context, id, subscriptionID string) error {
	return m.update(id, func(p *Payment) { p.SubscriptionID = subscriptionID })
}

func (m *MemoryStore) LinkInvoice(_ context.Context, id, invoiceID string) error {
	return m.update(id, func(p *Payment) { p.InvoiceID = invoiceID })
}

func (m *MemoryStore) MarkReconciled(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(p *Payment) {
		t := at
		p.ReconciledAt = &t
	})
}

func (m *MemoryStore) ListUnreconciled(_ context.Context, paidBefore time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.Status == StatusCompleted && p.ReconciledAt == nil && p.PaidAt != nil && p.PaidAt.Before(paidBefore) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(*out[j].PaidAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordWebhookEvent(_ context.Context, ev *WebhookEvent) (*WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[ev.ID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *ev
	m.events[ev.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) FinishWebhookEvent(_ context.Context, id string, status EventStatus, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrWebhookEventNotFound
	}
	ev.Status = status
	ev.LastError = lastError
	ev.Attempts++
	t := at
	ev.ProcessedAt = &t
	return nil
}

func (m *MemoryStore) GetWebhookEvent(_ context.Context, id string) (*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrWebhookEventNotFound
	}
	cp := *ev
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
