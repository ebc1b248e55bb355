package health

import (
	"context"
	"time"

	"github.com/mbd888/guildbill/internal/circuitbreaker"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether db answers a ping within timeout.
func Database(name string, db Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Breaker reports unhealthy while the circuit for key is open. Half-open
// counts as healthy: a probe is in flight.
func Breaker(name string, b *circuitbreaker.Breaker, key string) Checker {
	return func(context.Context) Status {
		snap := b.Snapshot(key)
		st := Status{Name: name, Healthy: snap.State != circuitbreaker.StateOpen, Detail: snap.State.String()}
		if !snap.RetryAt.IsZero() {
			st.Detail += ", retry at " + snap.RetryAt.UTC().Format(time.RFC3339)
		}
		return st
	}
}

// Running reports whether a background loop is alive.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
