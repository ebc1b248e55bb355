package outbox

import (
	"context"
	"time"
)

// Store persists outbox events.
type Store interface {
	// Insert enqueues e. A non-empty DedupKey already present yields ErrDuplicate.
	Insert(ctx context.Context, e *Event) error
	// ClaimDue returns up to limit pending events due at now and pushes
	// their NextAttemptAt forward by lease so concurrent relays skip them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt; dead moves the event out of rotation.
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
}
