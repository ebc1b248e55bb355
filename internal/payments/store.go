package payments

import (
	"context"
	"time"
)

// Store persists payments and the webhook event log.
//
// MarkCompleted and MarkFailed are conditional writes. The bool reports
// whether this call performed the transition; when it did not, the current
// record is returned so the caller can answer idempotently.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]*Payment, error)

	// MarkCompleted moves a PENDING or FAILED payment to COMPLETED.
	MarkCompleted(ctx context.Context, orderID, gatewayPaymentID string, at time.Time) (*Payment, bool, error)
	// MarkFailed moves a PENDING payment to FAILED.
	MarkFailed(ctx context.Context, orderID, code, reason string, at time.Time) (*Payment, bool, error)

	LinkSubscription(ctx context.Context, id, subscriptionID string) error
	LinkInvoice(ctx context.Context, id, invoiceID string) error
	MarkReconciled(ctx context.Context, id string, at time.Time) error
	// ListUnreconciled returns COMPLETED payments paid before the cutoff
	// that still lack ReconciledAt, oldest first.
	ListUnreconciled(ctx context.Context, paidBefore time.Time, limit int) ([]*Payment, error)

	// RecordWebhookEvent inserts ev unless its id is already known. It
	// returns the stored record and whether this call inserted it.
	RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) (*WebhookEvent, bool, error)
	// FinishWebhookEvent stores the processing outcome and bumps Attempts.
	FinishWebhookEvent(ctx context.Context, id string, status EventStatus, lastError string, at time.Time) error
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)
}
