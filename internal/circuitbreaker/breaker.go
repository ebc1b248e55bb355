// Package circuitbreaker guards outbound calls to payment processors. Each
// key (one per processor) moves closed → open → half-open independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	openGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "guildbill",
		Subsystem: "circuitbreaker",
		Name:      "open",
		Help:      "1 while the circuit for a key is open or half-open.",
	}, []string{"key"})

	rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "circuitbreaker",
		Name:      "rejections_total",
		Help:      "Calls refused because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, openGauge, rejections)
}

// ErrOpen is returned by Execute when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// Snapshot is a point-in-time view of one key.
type Snapshot struct {
	State    State
	Failures int
	// RetryAt is when an open circuit will admit a probe. Zero otherwise.
	RetryAt time.Time
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive countable failures
// and admits a single probe once cooldown has passed.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

func (b *Breaker) entry(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) >= b.cooldown {
			b.transition(key, e, StateHalfOpen)
			return true
		}
		rejections.WithLabelValues(key).Inc()
		return false
	case StateHalfOpen:
		rejections.WithLabelValues(key).Inc()
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	e.failures = 0
	b.transition(key, e, StateClosed)
}

// RecordFailure counts a failure. A failed probe reopens the circuit at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	e.failures++
	if e.state == StateHalfOpen || (e.state == StateClosed && e.failures >= b.threshold) {
		e.openedAt = b.now()
		b.transition(key, e, StateOpen)
	}
}

// Execute runs fn if the circuit for key allows it and records the outcome.
// Errors for which countable returns false pass through without counting
// against the circuit (e.g. a 4xx from the gateway is the caller's fault).
func (b *Breaker) Execute(key string, countable func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	return b.Snapshot(key).State
}

// Snapshot returns the state, failure count and retry time for key.
func (b *Breaker) Snapshot(key string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return Snapshot{State: StateClosed}
	}
	s := Snapshot{State: e.state, Failures: e.failures}
	if e.state == StateOpen {
		s.RetryAt = e.openedAt.Add(b.cooldown)
	}
	return s
}

// transition must be called with b.mu held.
func (b *Breaker) transition(key string, e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if to == StateClosed {
		openGauge.WithLabelValues(key).Set(0)
	} else {
		openGauge.WithLabelValues(key).Set(1)
	}
}
