package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every fifteen minutes.
const DefaultSweepSchedule = "@every 15m"

// Timer runs the expiry sweep on a cron schedule.
type Timer struct {
	service  *Service
	schedule string
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer. schedule accepts standard five-field cron
// expressions and descriptors such as "@hourly" or "@every 15m".
func NewTimer(service *Service, schedule string, logger *slog.Logger) (*Timer, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("subscriptions: invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		schedule: schedule,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}, nil
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start schedules the sweep and blocks until ctx is done or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(t.schedule, func() { t.safeSweep(ctx) }); err != nil {
		t.logger.Error("failed to schedule subscription sweep", "schedule", t.schedule, "error", err)
		return
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	select {
	case <-ctx.Done():
	case <-t.stop:
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in subscription sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.Sweep(ctx, time.Now()); err != nil {
		t.logger.Warn("subscription sweep failed", "error", err)
	}
}
