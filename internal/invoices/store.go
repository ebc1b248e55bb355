package invoices

import (
	"context"
	"time"
)

// Store persists invoices.
type Store interface {
	// Create fails with ErrInvoiceNumberTaken when the number exists and
	// ErrPaymentAlreadyInvoiced when the payment id is already linked.
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Invoice, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]*Invoice, error)
	// Update is a conditional write: it succeeds only if the stored version
	// still equals inv.Version, then increments it. A lost race surfaces as
	// ErrConcurrentUpdate.
	Update(ctx context.Context, inv *Invoice) error
	// NextSequence returns the next number in the series named key.
	NextSequence(ctx context.Context, key string) (int64, error)
	// ListOverdue returns SENT invoices whose due date is before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Invoice, error)
}
