package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/guildbill/internal/logging"
)

// DefaultInterval is how often the timer runs a repair pass.
const DefaultInterval = 5 * time.Minute

// Timer drives the repair Runner: one pass as soon as it starts, so payments
// left half-applied by a crash are picked up at boot, then one per interval.
// A pass that leaves payments failing is logged at WARN with the count.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

// NewTimer creates a repair timer. A non-positive interval means
// DefaultInterval.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With(logging.Component("reconciliation_timer")),
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the repair loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the report of the most recent completed pass, or nil.
func (t *Timer) Last() *Report {
	return t.last.Load()
}

// Start runs repair passes until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.repair(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.repair(ctx)
		}
	}
}

// Stop signals the loop to exit after the current pass.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) repair(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in repair pass", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunPending(ctx)
	if err != nil {
		t.logger.Warn("repair pass failed", "error", err)
		return
	}
	t.last.Store(report)
	if report.Failed > 0 {
		t.logger.Warn("payments still unreconciled after repair pass",
			"failed", report.Failed, "next_pass_in", t.interval)
	}
}
