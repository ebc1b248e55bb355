package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/guildbill/internal/circuitbreaker"
	"github.com/mbd888/guildbill/internal/retry"
)

// Handler delivers one event. Returning an error wrapped with
// retry.Permanent dead-letters the event without further attempts.
type Handler func(ctx context.Context, e *Event) error

// RelayConfig tunes delivery.
type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	Timeout     time.Duration // per delivery
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRelayConfig returns the production delivery settings.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:    10 * time.Second,
		BatchSize:   50,
		Timeout:     5 * time.Second,
		MaxAttempts: 8,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
	}
}

// Relay polls the outbox and delivers due events to per-topic handlers.
type Relay struct {
	store    Store
	cfg      RelayConfig
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewRelay creates a relay. Register handlers before Start.
func NewRelay(store Store, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:    store,
		cfg:      cfg,
		breaker:  circuitbreaker.New(5, time.Minute),
		logger:   logger,
		handlers: make(map[string]Handler),
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// Register binds h to topic, replacing any previous handler.
func (r *Relay) Register(topic string, h Handler) {
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
}

// Running reports whether the relay loop is actively running.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start begins the delivery loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRunOnce(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Relay) safeRunOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(rec))
		}
	}()
	if _, _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("outbox relay pass failed", "error", err)
	}
}

// RunOnce delivers one batch of due events.
func (r *Relay) RunOnce(ctx context.Context) (delivered, failed int, err error) {
	now := r.now()
	lease := r.cfg.Timeout*2 + r.cfg.Interval
	events, err := r.store.ClaimDue(ctx, now, lease, r.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, e := range events {
		if r.deliver(ctx, e) {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed, nil
}

func (r *Relay) deliver(ctx context.Context, e *Event) bool {
	r.mu.RLock()
	h, ok := r.handlers[e.Topic]
	r.mu.RUnlock()

	if !ok {
		r.fail(ctx, e, retry.Permanent(fmt.Errorf("no handler registered for topic %q", e.Topic)))
		return false
	}

	// Permanent failures are the payload's fault and do not trip the circuit.
	err := r.breaker.Execute(e.Topic, transient, func() error {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		return h(dctx, e)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		// The event stays leased and comes back after the lease.
		deliveries.WithLabelValues(e.Topic, "circuit_open").Inc()
		return false
	}
	if err != nil {
		r.fail(ctx, e, err)
		return false
	}

	if err := r.store.MarkDelivered(ctx, e.ID, r.now()); err != nil {
		r.logger.Error("outbox event delivered but not marked", "event_id", e.ID, "topic", e.Topic, "error", err)
		return false
	}
	deliveries.WithLabelValues(e.Topic, "delivered").Inc()
	return true
}

func transient(err error) bool {
	var pe *retry.PermanentError
	return !errors.As(err, &pe)
}

func (r *Relay) fail(ctx context.Context, e *Event, cause error) {
	attempts := e.Attempts + 1
	var pe *retry.PermanentError
	dead := errors.As(cause, &pe) || attempts >= r.cfg.MaxAttempts
	next := r.now().Add(r.backoff(attempts))

	if err := r.store.MarkFailed(ctx, e.ID, attempts, next, cause.Error(), dead); err != nil {
		r.logger.Error("failed to record outbox failure", "event_id", e.ID, "error", err)
	}

	if dead {
		deliveries.WithLabelValues(e.Topic, "dead").Inc()
		r.logger.Error("outbox event dead-lettered",
			"event_id", e.ID, "topic", e.Topic, "key", e.Key, "attempts", attempts, "error", cause)
		return
	}
	deliveries.WithLabelValues(e.Topic, "retry").Inc()
	r.logger.Warn("outbox delivery failed, will retry",
		"event_id", e.ID, "topic", e.Topic, "attempts", attempts, "next_attempt_at", next, "error", cause)
}

func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return retry.Backoff(d)
}
