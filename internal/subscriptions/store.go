package subscriptions

import (
	"context"
	"time"
)

// Store persists subscriptions.
//
// Update is a conditional write: it succeeds only if the stored version
// still equals sub.Version, then increments it. A lost race surfaces as
// ErrConcurrentUpdate. Both Create and Update fail with
// ErrDuplicateActiveSubscription when the write would leave a client with
// two live subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	FindActive(ctx context.Context, clientID string) (*Subscription, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}

// due reports whether the sweep has work to do on sub at now.
func due(sub *Subscription, now time.Time) bool {
	switch sub.Status {
	case StatusActive:
		return !sub.EndDate.After(now)
	case StatusGracePeriod:
		return sub.GraceEndsAt != nil && !sub.GraceEndsAt.After(now)
	case StatusTrial:
		return sub.TrialEndsAt != nil && !sub.TrialEndsAt.After(now)
	}
	return false
}
