// Package reconciliation applies completed payments to subscriptions and
// invoices.
//
// A checkout payment that arrives after the client is already ACTIVE on
// another plan is not applied or invoiced. It is counted, logged and
// announced as payment_refund_due for an operator to refund.
//
// The steps run in order and are not one transaction: a failing step is
// logged and counted and earlier steps stay applied. A payment is stamped
// ReconciledAt only when every step succeeded, and the Runner retries the
// rest. Every step is idempotent per payment id, so a retry repeats nothing.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/guildbill/internal/invoices"
	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/payments"
	"github.com/mbd888/guildbill/internal/subscriptions"
	"github.com/mbd888/guildbill/internal/traces"
)

// Step names, used in logs and the step_failures metric.
const (
	StepSubscription = "subscription"
	StepInvoice      = "invoice"
	StepLink         = "link"
	StepNotify       = "notify"
)

// SubscriptionApplier applies payments to the subscription lifecycle.
type SubscriptionApplier interface {
	Get(ctx context.Context, id string) (*subscriptions.Subscription, error)
	ApplyPayment(ctx context.Context, app subscriptions.PaymentApplication) (*subscriptions.Subscription, subscriptions.Effect, error)
}

// InvoiceIssuer creates and settles invoices.
type InvoiceIssuer interface {
	Get(ctx context.Context, id string) (*invoices.Invoice, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*invoices.Invoice, error)
	CreateForSubscription(ctx context.Context, sub *subscriptions.Subscription, opts invoices.SubscriptionOptions) (*invoices.Invoice, error)
	Send(ctx context.Context, id string) (*invoices.Invoice, error)
	MarkPaid(ctx context.Context, id, paymentID string) (*invoices.Invoice, error)
}

// PaymentLinker records reconciliation progress on payments.
type PaymentLinker interface {
	LinkSubscription(ctx context.Context, id, subscriptionID string) error
	LinkInvoice(ctx context.Context, id, invoiceID string) error
	MarkReconciled(ctx context.Context, id string, at time.Time) error
	ListUnreconciled(ctx context.Context, paidBefore time.Time, limit int) ([]*payments.Payment, error)
}

// EventPublisher enqueues notifications exactly once per dedup key.
type EventPublisher interface {
	PublishOnce(ctx context.Context, topic, key, dedupKey string, payload any) error
}

// StepError reports which reconciliation step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("reconcile %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Service reconciles one payment at a time.
type Service struct {
	subs     SubscriptionApplier
	invoices InvoiceIssuer
	payments PaymentLinker
	events   EventPublisher
	taxRate  decimal.Decimal
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a reconciliation service.
func NewService(subs SubscriptionApplier, invs InvoiceIssuer, linker PaymentLinker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subs:     subs,
		invoices: invs,
		payments: linker,
		logger:   logger.With(logging.Component("reconciliation")),
		now:      time.Now,
	}
}

// WithPublisher sets the outbox used for payment_received notifications.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithTaxRate sets the tax percentage recorded on invoices issued for
// captured payments. The default is zero: the captured amount is the plan
// price and the invoice total must match it.
func (s *Service) WithTaxRate(rate decimal.Decimal) *Service {
	s.taxRate = rate
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Reconcile runs every step for a COMPLETED payment. The returned Result is
// filled in as far as the steps got; the error joins every step failure.
func (s *Service) Reconcile(ctx context.Context, p *payments.Payment) (*payments.Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Reconcile",
		traces.PaymentID(p.ID), traces.SubscriptionID(p.SubscriptionID), traces.InvoiceID(p.InvoiceID))
	defer span.End()

	log := s.logger.With(logging.PaymentID(p.ID), logging.ClientID(p.ClientID), "purpose", p.Purpose)
	res := &payments.Result{Payment: payments.ViewOf(p)}
	var errs []error
	fail := func(step string, err error) {
		stepFailures.WithLabelValues(step).Inc()
		log.Error("reconciliation step failed", "step", step, "error", err)
		errs = append(errs, &StepError{Step: step, Err: err})
	}

	sub, effect, err := s.applySubscription(ctx, p, log)
	if err != nil {
		fail(StepSubscription, err)
	} else if sub != nil {
		res.Subscription = subscriptionView(sub)
	}

	if effect == subscriptions.EffectRefundDue {
		// Unapplied payments get no invoice.
		refundsDue.Inc()
		log.Error("payment not applied, refund due",
			logging.SubscriptionID(sub.ID), "amount", p.Amount.String(), "currency", p.Currency)
		if err := s.notify(ctx, p, nil, outbox.KindPaymentRefundDue); err != nil {
			fail(StepNotify, err)
			return res, errors.Join(errs...)
		}
		return s.finish(ctx, p, res, log)
	}

	inv, err := s.settleInvoice(ctx, p, sub)
	if err != nil {
		fail(StepInvoice, err)
	} else if inv != nil {
		res.Invoice = invoiceView(inv)
		if p.InvoiceID != inv.ID {
			if err := s.payments.LinkInvoice(ctx, p.ID, inv.ID); err != nil {
				fail(StepLink, err)
			} else {
				p.InvoiceID = inv.ID
			}
		}
	}

	if err := s.notify(ctx, p, inv, outbox.KindPaymentReceived); err != nil {
		fail(StepNotify, err)
	}

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return s.finish(ctx, p, res, log)
}

// finish stamps the payment reconciled once every step has succeeded.
func (s *Service) finish(ctx context.Context, p *payments.Payment, res *payments.Result, log *slog.Logger) (*payments.Result, error) {
	if err := s.payments.MarkReconciled(ctx, p.ID, s.now().UTC()); err != nil {
		stepFailures.WithLabelValues(StepLink).Inc()
		log.Error("reconciliation step failed", "step", StepLink, "error", err)
		return res, &StepError{Step: StepLink, Err: err}
	}
	reconciled.Inc()
	log.Info("payment reconciled", logging.SubscriptionID(p.SubscriptionID), logging.InvoiceID(p.InvoiceID))
	return res, nil
}

// applySubscription brings the paid subscription to ACTIVE. Settling an
// invoice that is not tied to a live subscription returns a nil
// subscription and no error: the invoice is still owed after a cancel.
func (s *Service) applySubscription(ctx context.Context, p *payments.Payment, log *slog.Logger) (*subscriptions.Subscription, subscriptions.Effect, error) {
	settlement := p.Purpose == payments.PurposeInvoiceSettlement
	app := subscriptions.PaymentApplication{
		PaymentID:      p.ID,
		SubscriptionID: p.SubscriptionID,
		ClientID:       p.ClientID,
		PlanID:         p.PlanID,
		BillingCycle:   p.BillingCycle,
		Renewal:        p.Purpose == payments.PurposeRenewal,
		Purchase:       p.Purpose == payments.PurposeNewSubscription,
	}
	if settlement && p.SubscriptionID == "" {
		return nil, "", nil
	}

	sub, effect, err := s.subs.ApplyPayment(ctx, app)
	if settlement && errors.Is(err, subscriptions.ErrAlreadyCancelled) {
		log.Warn("invoice settled for a cancelled subscription", logging.SubscriptionID(p.SubscriptionID))
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	log.Info("subscription updated from payment", logging.SubscriptionID(sub.ID), "effect", effect, "status", sub.Status)
	if effect == subscriptions.EffectRefundDue {
		return sub, effect, nil
	}

	if p.Purpose != payments.PurposeInvoiceSettlement && !p.Amount.Equal(sub.Amount) {
		amountMismatches.Inc()
		log.Warn("payment amount differs from subscription amount",
			"paid", p.Amount.String(), "expected", sub.Amount.String(), "currency", p.Currency)
	}

	if p.SubscriptionID != sub.ID {
		if err := s.payments.LinkSubscription(ctx, p.ID, sub.ID); err != nil {
			return sub, effect, err
		}
		p.SubscriptionID = sub.ID
	}
	return sub, effect, nil
}

// settleInvoice issues and pays the invoice for the payment, or settles the
// invoice the payment was opened for.
func (s *Service) settleInvoice(ctx context.Context, p *payments.Payment, sub *subscriptions.Subscription) (*invoices.Invoice, error) {
	if p.Purpose == payments.PurposeInvoiceSettlement {
		return s.invoices.MarkPaid(ctx, p.InvoiceID, p.ID)
	}
	if sub == nil && p.SubscriptionID != "" {
		var err error
		if sub, err = s.subs.Get(ctx, p.SubscriptionID); err != nil {
			return nil, err
		}
	}
	if sub == nil {
		return nil, errors.New("no subscription to invoice")
	}

	// The period defaults to the subscription's current start and end,
	// which activation and renewal have just set.
	due := s.now().UTC()
	rate := s.taxRate
	inv, err := s.invoices.CreateForSubscription(ctx, sub, invoices.SubscriptionOptions{
		TaxRate:   &rate,
		DueDate:   &due,
		PaymentID: p.ID,
	})
	if errors.Is(err, invoices.ErrPaymentAlreadyInvoiced) {
		// Lost a race with a concurrent reconcile of the same payment.
		inv, err = s.invoices.GetByPaymentID(ctx, p.ID)
	}
	if err != nil {
		return nil, err
	}

	if inv.Status == invoices.StatusDraft {
		if inv, err = s.invoices.Send(ctx, inv.ID); err != nil {
			return nil, err
		}
	}
	return s.invoices.MarkPaid(ctx, inv.ID, p.ID)
}

func (s *Service) notify(ctx context.Context, p *payments.Payment, inv *invoices.Invoice, kind string) error {
	if s.events == nil {
		return nil
	}
	data := map[string]any{
		"amount":   p.Amount.String(),
		"currency": p.Currency,
		"purpose":  string(p.Purpose),
	}
	if inv != nil {
		data["invoiceNumber"] = inv.Number
	}
	occurred := s.now().UTC()
	if p.PaidAt != nil {
		occurred = *p.PaidAt
	}
	return s.events.PublishOnce(ctx, outbox.TopicNotification, p.ClientID, p.ID+":"+kind, outbox.Notification{
		Kind:           kind,
		ClientID:       p.ClientID,
		SubscriptionID: p.SubscriptionID,
		PaymentID:      p.ID,
		InvoiceID:      p.InvoiceID,
		Data:           data,
		OccurredAt:     occurred,
	})
}

// Describe builds the verification result for a payment without changing
// anything. Missing links are left out of the result.
func (s *Service) Describe(ctx context.Context, p *payments.Payment) (*payments.Result, error) {
	res := &payments.Result{Payment: payments.ViewOf(p)}

	if p.SubscriptionID != "" {
		sub, err := s.subs.Get(ctx, p.SubscriptionID)
		switch {
		case err == nil:
			res.Subscription = subscriptionView(sub)
		case !errors.Is(err, subscriptions.ErrSubscriptionNotFound):
			return nil, err
		}
	}

	var (
		inv *invoices.Invoice
		err error
	)
	if p.InvoiceID != "" {
		inv, err = s.invoices.Get(ctx, p.InvoiceID)
	} else {
		inv, err = s.invoices.GetByPaymentID(ctx, p.ID)
	}
	switch {
	case err == nil:
		res.Invoice = invoiceView(inv)
	case !errors.Is(err, invoices.ErrInvoiceNotFound):
		return nil, err
	}
	return res, nil
}

func subscriptionView(sub *subscriptions.Subscription) *payments.SubscriptionView {
	return &payments.SubscriptionView{
		ID:           sub.ID,
		Status:       string(sub.Status),
		PlanName:     sub.PlanName,
		BillingCycle: sub.BillingCycle,
		EndDate:      sub.EndDate,
	}
}

func invoiceView(inv *invoices.Invoice) *payments.InvoiceView {
	return &payments.InvoiceView{
		ID:            inv.ID,
		InvoiceNumber: inv.Number,
		Total:         inv.Total,
	}
}

var _ payments.Reconciler = (*Service)(nil)
