package reconciliation

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultSettleDelay leaves fresh payments to the request that completed
	// them before the runner retries.
	DefaultSettleDelay = 2 * time.Minute

	runBatchSize = 50
)

// Report summarises one Runner pass.
type Report struct {
	Checked    int       `json:"checked"`
	Reconciled int       `json:"reconciled"`
	Failed     int       `json:"failed"`
	RanAt      time.Time `json:"ranAt"`
}

// Runner finishes reconciliation for completed payments whose live attempt
// failed part way.
type Runner struct {
	service     *Service
	payments    PaymentLinker
	settleDelay time.Duration
	logger      *slog.Logger
}

// NewRunner creates a repair runner over the service's payment store.
func NewRunner(service *Service, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		service:     service,
		payments:    service.payments,
		settleDelay: DefaultSettleDelay,
		logger:      logger,
	}
}

// WithSettleDelay sets how old a paid payment must be before it is retried.
func (r *Runner) WithSettleDelay(d time.Duration) *Runner {
	if d >= 0 {
		r.settleDelay = d
	}
	return r
}

// RunPending reconciles up to one batch of payments still lacking
// ReconciledAt. A failure on one payment does not stop the pass.
func (r *Runner) RunPending(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	now := r.service.now().UTC()
	report := &Report{RanAt: now}

	pending, err := r.payments.ListUnreconciled(ctx, now.Add(-r.settleDelay), runBatchSize)
	if err != nil {
		runErrors.Inc()
		return nil, err
	}
	unreconciled.Set(float64(len(pending)))

	for _, p := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		if _, err := r.service.Reconcile(ctx, p); err != nil {
			report.Failed++
			continue
		}
		report.Reconciled++
	}

	if report.Checked > 0 {
		r.logger.Info("reconciliation pass complete",
			"checked", report.Checked, "reconciled", report.Reconciled, "failed", report.Failed)
	}
	return report, nil
}
