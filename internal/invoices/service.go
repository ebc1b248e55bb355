package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/guildbill/internal/idgen"
	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/money"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/retry"
	"github.com/mbd888/guildbill/internal/subscriptions"
	"github.com/mbd888/guildbill/internal/syncutil"
	"github.com/mbd888/guildbill/internal/validation"
)

const (
	maxNumberAttempts = 5
	updateAttempts    = 3
	updateRetryDelay  = 20 * time.Millisecond
	overdueBatchSize  = 100
	maxReasonLength   = 500
	maxNotesLength    = 2000
)

// Config holds invoice defaults.
type Config struct {
	Prefix          string
	DefaultCurrency string
	DefaultTaxRate  decimal.Decimal
	DueDays         int
}

// EventPublisher enqueues side effects for asynchronous delivery.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Service implements invoice business logic.
type Service struct {
	store  Store
	cfg    Config
	events EventPublisher
	locks  *syncutil.KeyedMutex // keyed by invoice id
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new invoice service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "INV"
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "INR"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		locks:  syncutil.NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// WithPublisher routes invoice notifications to p.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateForSubscription drafts an invoice with a single line for the
// subscription's frozen amount. With a PaymentID, a second call for the
// same payment returns the first invoice.
func (s *Service) CreateForSubscription(ctx context.Context, sub *subscriptions.Subscription, opts SubscriptionOptions) (*Invoice, error) {
	if opts.PaymentID != "" {
		if existing, err := s.store.GetByPaymentID(ctx, opts.PaymentID); err == nil {
			return existing, nil
		} else if !errors.Is(err, ErrInvoiceNotFound) {
			return nil, err
		}
	}

	taxRate := s.cfg.DefaultTaxRate
	if opts.TaxRate != nil {
		taxRate = *opts.TaxRate
	}
	periodStart, periodEnd := sub.StartDate, sub.EndDate
	if opts.PeriodStart != nil {
		periodStart = *opts.PeriodStart
	}
	if opts.PeriodEnd != nil {
		periodEnd = *opts.PeriodEnd
	}
	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("%w: period end must be after period start", ErrInvalidInvoice)
	}

	inv := &Invoice{
		ClientID:       sub.ClientID,
		SubscriptionID: sub.ID,
		PaymentID:      opts.PaymentID,
		LineItems: []LineItem{{
			Description: fmt.Sprintf("%s - %s", sub.PlanName, sub.BillingCycle.Label()),
			Quantity:    1,
			UnitPrice:   sub.Amount,
		}},
		TaxRate:     taxRate,
		Currency:    sub.Currency,
		PeriodStart: &periodStart,
		PeriodEnd:   &periodEnd,
		Notes:       validation.SanitizeString(opts.Notes, maxNotesLength),
	}
	if opts.DueDate != nil {
		inv.DueDate = opts.DueDate.UTC()
	}
	return s.create(ctx, inv)
}

// Create drafts an ad-hoc invoice from arbitrary line items.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Invoice, error) {
	if !validation.IsValidID(req.ClientID) {
		return nil, fmt.Errorf("%w: clientId is missing or malformed", ErrInvalidInvoice)
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidInvoice)
	}
	if req.PeriodStart != nil && req.PeriodEnd != nil && !req.PeriodEnd.After(*req.PeriodStart) {
		return nil, fmt.Errorf("%w: period end must be after period start", ErrInvalidInvoice)
	}

	taxRate := s.cfg.DefaultTaxRate
	if req.TaxRate != nil {
		taxRate = *req.TaxRate
	}
	items := make([]LineItem, len(req.LineItems))
	for i, it := range req.LineItems {
		it.Description = validation.SanitizeString(it.Description, 200)
		items[i] = it
	}

	inv := &Invoice{
		ClientID:       req.ClientID,
		SubscriptionID: req.SubscriptionID,
		LineItems:      items,
		TaxRate:        taxRate,
		Currency:       currency,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		Notes:          validation.SanitizeString(req.Notes, maxNotesLength),
	}
	if req.DueDate != nil {
		inv.DueDate = req.DueDate.UTC()
	}
	return s.create(ctx, inv)
}

// create computes totals, assigns a number and persists a DRAFT.
func (s *Service) create(ctx context.Context, inv *Invoice) (*Invoice, error) {
	items, totals, err := ComputeTotals(inv.LineItems, inv.TaxRate, inv.Currency)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	inv.ID = idgen.WithPrefix("inv_")
	inv.LineItems = items
	inv.Subtotal = totals.Subtotal
	inv.TaxAmount = totals.TaxAmount
	inv.Total = totals.Total
	inv.Status = StatusDraft
	inv.Version = 1
	inv.CreatedAt = now
	inv.UpdatedAt = now
	if inv.DueDate.IsZero() {
		inv.DueDate = now.AddDate(0, 0, s.cfg.DueDays)
	}

	series := s.cfg.Prefix + "-" + now.Format("200601")
	err = retry.DoNotify(ctx, maxNumberAttempts, 10*time.Millisecond, func() error {
		seq, err := s.store.NextSequence(ctx, series)
		if err != nil {
			return retry.Permanent(err)
		}
		inv.Number = FormatNumber(s.cfg.Prefix, now, seq)
		err = s.store.Create(ctx, inv)
		if errors.Is(err, ErrInvoiceNumberTaken) {
			return err
		}
		return retry.Permanent(err)
	}, func(attempt int, err error, next time.Duration) {
		numberConflicts.Inc()
		s.logger.Warn("invoice number collision, retrying",
			"number", inv.Number, "attempt", attempt, "backoff", next)
	})
	if errors.Is(err, ErrPaymentAlreadyInvoiced) && inv.PaymentID != "" {
		// Lost a race with another reconciliation of the same payment.
		return s.store.GetByPaymentID(ctx, inv.PaymentID)
	}
	if err != nil {
		return nil, err
	}

	invoicesCreated.Inc()
	s.logger.Info("invoice created",
		logging.InvoiceID(inv.ID), logging.ClientID(inv.ClientID),
		"number", inv.Number, "total", money.Format(inv.Total, inv.Currency), "currency", inv.Currency)
	return inv, nil
}

// Get returns an invoice by id.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.store.Get(ctx, id)
}

// GetByPaymentID returns the invoice settled by or created for a payment.
func (s *Service) GetByPaymentID(ctx context.Context, paymentID string) (*Invoice, error) {
	return s.store.GetByPaymentID(ctx, paymentID)
}

// ListByClient returns a client's invoices, newest first.
func (s *Service) ListByClient(ctx context.Context, clientID string, limit int) ([]*Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListByClient(ctx, clientID, limit)
}

// Send issues a DRAFT invoice to the client.
func (s *Service) Send(ctx context.Context, id string) (*Invoice, error) {
	inv, _, err := s.mutate(ctx, id, func(inv *Invoice, _ time.Time) (bool, error) {
		if inv.Status != StatusDraft {
			return false, ErrInvalidTransition
		}
		inv.Status = StatusSent
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, inv)
	return inv, nil
}

// MarkPaid settles a SENT or OVERDUE invoice. Marking a PAID invoice again
// is a no-op so duplicate payment verifications stay harmless.
func (s *Service) MarkPaid(ctx context.Context, id, paymentID string) (*Invoice, error) {
	inv, changed, err := s.mutate(ctx, id, func(inv *Invoice, now time.Time) (bool, error) {
		switch inv.Status {
		case StatusPaid:
			if paymentID != "" && inv.PaymentID != "" && inv.PaymentID != paymentID {
				s.logger.Warn("second payment for a paid invoice",
					logging.InvoiceID(inv.ID), logging.PaymentID(paymentID), "settled_by", inv.PaymentID)
			}
			return false, nil
		case StatusSent, StatusOverdue:
		default:
			return false, ErrInvalidTransition
		}
		inv.Status = StatusPaid
		inv.PaidAt = &now
		if inv.PaymentID == "" {
			inv.PaymentID = paymentID
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		invoicesPaid.Inc()
		s.logger.Info("invoice paid", logging.InvoiceID(inv.ID), logging.PaymentID(inv.PaymentID), "number", inv.Number)
	}
	return inv, nil
}

// Cancel voids an unpaid invoice.
func (s *Service) Cancel(ctx context.Context, id string, req CancelRequest) (*Invoice, error) {
	reason := validation.SanitizeString(req.Reason, maxReasonLength)
	inv, _, err := s.mutate(ctx, id, func(inv *Invoice, now time.Time) (bool, error) {
		switch inv.Status {
		case StatusPaid:
			return false, ErrCannotCancelPaidInvoice
		case StatusCancelled:
			return false, nil
		}
		inv.Status = StatusCancelled
		inv.CancelledAt = &now
		inv.CancelReason = reason
		return true, nil
	})
	return inv, err
}

// MarkOverdue moves SENT invoices past their due date to OVERDUE and
// returns how many moved.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	moved := 0
	for {
		batch, err := s.store.ListOverdue(ctx, now, overdueBatchSize)
		if err != nil {
			return moved, err
		}
		progressed := 0
		for _, candidate := range batch {
			_, changed, err := s.mutate(ctx, candidate.ID, func(inv *Invoice, _ time.Time) (bool, error) {
				if inv.Status != StatusSent || !inv.DueDate.Before(now) {
					return false, nil
				}
				inv.Status = StatusOverdue
				return true, nil
			})
			if err != nil {
				s.logger.Warn("failed to mark invoice overdue", logging.InvoiceID(candidate.ID), "error", err)
				continue
			}
			if changed {
				progressed++
			}
		}
		moved += progressed
		if len(batch) < overdueBatchSize || progressed == 0 {
			break
		}
	}
	if moved > 0 {
		s.logger.Info("invoices marked overdue", "count", moved)
	}
	return moved, nil
}

// mutate applies fn to the invoice under its lock; fn reports whether it
// changed anything worth persisting. A version conflict with another
// instance re-reads the invoice and runs fn again, so fn always sees the
// status it is about to overwrite.
func (s *Service) mutate(ctx context.Context, id string, fn func(inv *Invoice, now time.Time) (bool, error)) (*Invoice, bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		inv     *Invoice
		from    Status
		changed bool
	)
	err = retry.Do(ctx, updateAttempts, updateRetryDelay, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		from = current.Status
		now := s.now().UTC()
		ok, err := fn(current, now)
		if err != nil {
			return retry.Permanent(err)
		}
		inv, changed = current, ok
		if !ok {
			return nil
		}
		current.UpdatedAt = now
		if err := s.store.Update(ctx, current); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		transitions.WithLabelValues(string(from), string(inv.Status)).Inc()
	}
	return inv, changed, nil
}

func (s *Service) announce(ctx context.Context, inv *Invoice) {
	if s.events == nil {
		return
	}
	note := outbox.Notification{
		Kind:           outbox.KindInvoiceIssued,
		ClientID:       inv.ClientID,
		SubscriptionID: inv.SubscriptionID,
		InvoiceID:      inv.ID,
		Data: map[string]any{
			"invoiceNumber": inv.Number,
			"total":         money.Format(inv.Total, inv.Currency),
			"currency":      inv.Currency,
			"dueDate":       inv.DueDate,
		},
		OccurredAt: s.now().UTC(),
	}
	if err := s.events.Publish(ctx, outbox.TopicNotification, inv.ID, note); err != nil {
		logging.L(ctx).Warn("failed to enqueue invoice notification", logging.InvoiceID(inv.ID), "error", err)
	}
}
