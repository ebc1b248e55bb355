package invoices

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// OverdueTimer marks unpaid invoices overdue on a cron schedule.
type OverdueTimer struct {
	service  *Service
	schedule string
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewOverdueTimer creates an overdue timer for schedule, a standard cron
// expression or descriptor.
func NewOverdueTimer(service *Service, schedule string, logger *slog.Logger) (*OverdueTimer, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invoices: invalid overdue schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OverdueTimer{
		service:  service,
		schedule: schedule,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}, nil
}

// Running reports whether the timer loop is actively running.
func (t *OverdueTimer) Running() bool {
	return t.running.Load()
}

// Start schedules the overdue sweep and blocks until ctx is done or Stop is
// called. Call in a goroutine.
func (t *OverdueTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(t.schedule, func() { t.safeMarkOverdue(ctx) }); err != nil {
		t.logger.Error("failed to schedule overdue sweep", "schedule", t.schedule, "error", err)
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
func (t *OverdueTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *OverdueTimer) safeMarkOverdue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in invoice overdue timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.MarkOverdue(ctx, time.Now()); err != nil {
		t.logger.Warn("overdue sweep failed", "error", err)
	}
}
