package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/guildbill/internal/gateway"
	"github.com/mbd888/guildbill/internal/idgen"
	"github.com/mbd888/guildbill/internal/invoices"
	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/money"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/subscriptions"
	"github.com/mbd888/guildbill/internal/traces"
	"github.com/mbd888/guildbill/internal/validation"
)

// PlanSource resolves a plan and its price for one billing cycle.
type PlanSource interface {
	ForSubscription(ctx context.Context, id string, cycle plans.BillingCycle) (*plans.Plan, decimal.Decimal, error)
}

// SubscriptionReader looks up the subscriptions payments are opened against.
type SubscriptionReader interface {
	Get(ctx context.Context, id string) (*subscriptions.Subscription, error)
	FindActive(ctx context.Context, clientID string) (*subscriptions.Subscription, error)
}

// InvoiceReader looks up invoices being settled.
type InvoiceReader interface {
	Get(ctx context.Context, id string) (*invoices.Invoice, error)
}

// Reconciler applies a completed payment to subscriptions and invoices.
type Reconciler interface {
	Reconcile(ctx context.Context, p *Payment) (*Result, error)
	Describe(ctx context.Context, p *Payment) (*Result, error)
}

// EventPublisher enqueues fire-and-forget notifications.
type EventPublisher interface {
	PublishOnce(ctx context.Context, topic, key, dedupKey string, payload any) error
}

// Service opens gateway orders and turns gateway proof of capture into
// exactly one COMPLETED payment.
type Service struct {
	store      Store
	gateway    gateway.Client
	plans      PlanSource
	subs       SubscriptionReader
	invoices   InvoiceReader
	reconciler Reconciler
	events     EventPublisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new payment service.
func NewService(store Store, gw gateway.Client, plans PlanSource, subs SubscriptionReader, invs InvoiceReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		gateway:  gw,
		plans:    plans,
		subs:     subs,
		invoices: invs,
		logger:   logger.With(logging.Component("payments")),
		now:      time.Now,
	}
}

// WithReconciler sets the component that applies completed payments.
func (s *Service) WithReconciler(r Reconciler) *Service {
	s.reconciler = r
	return s
}

// WithPublisher sets the outbox used for payment notifications.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Gateway returns the processor this service uses.
func (s *Service) Gateway() gateway.Client { return s.gateway }

// CreateOrder opens a gateway order for a new subscription. A client whose
// live subscription is already ACTIVE must use a renewal order instead;
// TRIAL, GRACE_PERIOD and lapsed clients may buy.
func (s *Service) CreateOrder(ctx context.Context, req CheckoutRequest) (*OrderDescriptor, error) {
	if !validation.IsValidID(req.ClientID) || (req.UserID != "" && !validation.IsValidID(req.UserID)) {
		return nil, fmt.Errorf("%w: invalid client or user id", ErrInvalidPaymentRequest)
	}
	cycle, err := plans.ParseCycle(string(req.BillingCycle))
	if err != nil {
		return nil, err
	}
	plan, amount, err := s.plans.ForSubscription(ctx, req.PlanID, cycle)
	if err != nil {
		return nil, err
	}
	existing, err := s.subs.FindActive(ctx, req.ClientID)
	switch {
	case err == nil && existing.Status == subscriptions.StatusActive:
		return nil, subscriptions.ErrDuplicateActiveSubscription
	case err != nil && !errors.Is(err, subscriptions.ErrNoActiveSubscription):
		return nil, err
	}

	return s.open(ctx, &Payment{
		ClientID:     req.ClientID,
		UserID:       req.UserID,
		Purpose:      PurposeNewSubscription,
		PlanID:       plan.ID,
		BillingCycle: cycle,
		Amount:       amount,
		Currency:     plan.Currency,
		Description:  fmt.Sprintf("%s - %s", plan.Name, cycle.Label()),
	})
}

// CreateRenewalOrder opens an order renewing subscriptionID at its frozen
// amount.
func (s *Service) CreateRenewalOrder(ctx context.Context, subscriptionID, userID string) (*OrderDescriptor, error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscriptions.StatusCancelled {
		return nil, subscriptions.ErrAlreadyCancelled
	}
	return s.open(ctx, &Payment{
		ClientID:       sub.ClientID,
		UserID:         userID,
		Purpose:        PurposeRenewal,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		BillingCycle:   sub.BillingCycle,
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		Description:    fmt.Sprintf("%s - %s renewal", sub.PlanName, sub.BillingCycle.Label()),
	})
}

// CreateInvoiceOrder opens an order settling invoiceID's total.
func (s *Service) CreateInvoiceOrder(ctx context.Context, invoiceID, userID string) (*OrderDescriptor, error) {
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == invoices.StatusPaid || inv.Status == invoices.StatusCancelled {
		return nil, ErrInvoiceNotPayable
	}
	return s.open(ctx, &Payment{
		ClientID:       inv.ClientID,
		UserID:         userID,
		Purpose:        PurposeInvoiceSettlement,
		InvoiceID:      inv.ID,
		SubscriptionID: inv.SubscriptionID,
		Amount:         inv.Total,
		Currency:       inv.Currency,
		Description:    "Invoice " + inv.Number,
	})
}

// open registers the order with the gateway and stores the PENDING payment.
func (s *Service) open(ctx context.Context, p *Payment) (*OrderDescriptor, error) {
	if err := p.ValidatePurpose(); err != nil {
		return nil, err
	}
	minor, err := money.ToMinor(p.Amount, p.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
	}

	now := s.now().UTC()
	p.ID = idgen.WithPrefix("pay_")
	p.Receipt = idgen.Receipt(receiptPrefix(p.Purpose), now)
	p.Gateway = s.gateway.Name()
	p.Status = StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now

	order, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   minor,
		Currency: p.Currency,
		Receipt:  p.Receipt,
		Notes:    map[string]string{"payment_id": p.ID, "client_id": p.ClientID, "purpose": string(p.Purpose)},
	})
	if err != nil {
		return nil, err
	}
	p.GatewayOrderID = order.ID

	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	ordersCreated.WithLabelValues(string(p.Purpose)).Inc()
	s.logger.Info("payment order created",
		logging.PaymentID(p.ID), logging.OrderID(order.ID), logging.ClientID(p.ClientID),
		"purpose", p.Purpose, "amount", money.Format(p.Amount, p.Currency), "currency", p.Currency)

	return &OrderDescriptor{
		OrderID:      order.ID,
		Amount:       minor,
		Currency:     p.Currency,
		GatewayKey:   s.gateway.PublicKey(),
		Gateway:      s.gateway.Name(),
		PaymentID:    p.ID,
		ClientSecret: order.ClientSecret,
	}, nil
}

func receiptPrefix(p Purpose) string {
	switch p {
	case PurposeRenewal:
		return "rnw"
	case PurposeInvoiceSettlement:
		return "inv"
	default:
		return "sub"
	}
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByClient returns a client's payments, newest first.
func (s *Service) ListByClient(ctx context.Context, clientID string, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListByClient(ctx, clientID, limit)
}

// VerifyAndProcess handles the checkout callback. The gateway's proof is
// checked before anything is read, unknown orders fail the same way as bad
// signatures, and a repeat call returns the existing outcome unchanged.
func (s *Service) VerifyAndProcess(ctx context.Context, req VerifyRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.VerifyAndProcess",
		traces.Gateway(s.gateway.Name()), traces.OrderID(req.OrderID))
	defer span.End()

	if err := s.gateway.VerifyPayment(ctx, req.OrderID, req.PaymentID, req.Signature); err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			verifications.WithLabelValues("callback", "rejected").Inc()
			s.logger.Warn("payment signature rejected", logging.OrderID(req.OrderID))
		}
		return nil, err
	}
	if _, err := s.store.GetByOrderID(ctx, req.OrderID); err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			verifications.WithLabelValues("callback", "unknown_order").Inc()
			s.logger.Warn("verified payment for unknown order", logging.OrderID(req.OrderID))
			return nil, ErrUnknownOrder
		}
		return nil, err
	}
	return s.complete(ctx, "callback", req.OrderID, req.PaymentID)
}

// complete performs the PENDING/FAILED -> COMPLETED write. Only the caller
// that performed it reconciles; everyone else gets the settled outcome.
func (s *Service) complete(ctx context.Context, source, orderID, gatewayPaymentID string) (*Result, error) {
	p, won, err := s.store.MarkCompleted(ctx, orderID, gatewayPaymentID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, err
	}
	log := s.logger.With(logging.PaymentID(p.ID), logging.OrderID(orderID))

	if !won {
		if p.Status != StatusCompleted {
			return nil, ErrPaymentNotPending
		}
		verifications.WithLabelValues(source, "replayed").Inc()
		if p.GatewayPaymentID != gatewayPaymentID {
			// Second capture on one order: money moved twice at the gateway.
			log.Error("order already completed by another gateway payment",
				"recorded", p.GatewayPaymentID, "received", gatewayPaymentID)
		}
		res, err := s.describe(ctx, p)
		if err != nil {
			return nil, err
		}
		res.Replayed = true
		return res, nil
	}

	verifications.WithLabelValues(source, "completed").Inc()
	log.Info("payment completed", "source", source, "gateway_payment_id", gatewayPaymentID,
		"amount", money.Format(p.Amount, p.Currency))

	if s.reconciler == nil {
		return &Result{Payment: ViewOf(p)}, nil
	}
	res, err := s.reconciler.Reconcile(ctx, p)
	if err != nil {
		// The payment stands; the repair runner finishes what failed.
		log.Error("reconciliation incomplete", "error", err)
	}
	if res == nil {
		res = &Result{Payment: ViewOf(p)}
	}
	return res, nil
}

func (s *Service) describe(ctx context.Context, p *Payment) (*Result, error) {
	if s.reconciler == nil {
		return &Result{Payment: ViewOf(p)}, nil
	}
	return s.reconciler.Describe(ctx, p)
}

// HandleFailure records a failed checkout attempt. Subscriptions are not
// touched. A failure reported after completion is rejected; a repeated
// failure is a no-op.
func (s *Service) HandleFailure(ctx context.Context, req FailureRequest) (*Payment, error) {
	code := validation.SanitizeString(req.Code, 64)
	reason := validation.SanitizeString(req.Description, 500)

	p, changed, err := s.store.MarkFailed(ctx, req.OrderID, code, reason, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, err
	}
	if !changed {
		if p.Status == StatusFailed {
			return p, nil
		}
		return nil, ErrPaymentAlreadyComplete
	}

	failures.WithLabelValues(p.Gateway).Inc()
	s.logger.Warn("payment failed",
		logging.PaymentID(p.ID), logging.OrderID(req.OrderID), "code", code, "reason", reason)
	if s.events != nil {
		n := outbox.Notification{
			Kind:           outbox.KindPaymentFailed,
			ClientID:       p.ClientID,
			SubscriptionID: p.SubscriptionID,
			PaymentID:      p.ID,
			InvoiceID:      p.InvoiceID,
			Data:           map[string]any{"code": code, "reason": reason},
			OccurredAt:     p.UpdatedAt,
		}
		if err := s.events.PublishOnce(ctx, outbox.TopicNotification, p.ClientID, p.ID+":failed", n); err != nil {
			s.logger.Error("failed to enqueue payment failure notification", logging.PaymentID(p.ID), "error", err)
		}
	}
	return p, nil
}

// ProcessWebhook verifies and applies a gateway webhook. Every verified
// delivery is logged in webhook_events before it is applied; a redelivery
// of a processed or ignored event is acknowledged without side effects and
// a failed one is retried.
func (s *Service) ProcessWebhook(ctx context.Context, raw []byte, signature, eventID string) (*WebhookOutcome, error) {
	ev, err := s.gateway.ParseWebhook(raw, signature)
	if err != nil {
		webhookEvents.WithLabelValues("rejected").Inc()
		s.logger.Warn("webhook rejected", "error", err)
		return nil, err
	}

	id := eventID
	if id == "" {
		id = ev.ID
	}
	if id == "" {
		sum := sha256.Sum256(raw)
		id = "body_" + hex.EncodeToString(sum[:16])
	}
	ctx, span := traces.StartSpan(ctx, "payments.ProcessWebhook",
		traces.Gateway(s.gateway.Name()), traces.EventID(id), traces.OrderID(ev.OrderID))
	defer span.End()

	now := s.now().UTC()
	rec, inserted, err := s.store.RecordWebhookEvent(ctx, &WebhookEvent{
		ID:         id,
		Gateway:    s.gateway.Name(),
		Type:       ev.Type,
		OrderID:    ev.OrderID,
		PaymentID:  ev.PaymentID,
		Payload:    raw,
		Status:     EventReceived,
		ReceivedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !inserted && rec.Status.Settled() {
		webhookEvents.WithLabelValues("duplicate").Inc()
		return &WebhookOutcome{EventID: id, Status: rec.Status, Duplicate: true}, nil
	}

	status, res, procErr := s.applyWebhook(ctx, ev)
	if procErr != nil {
		webhookEvents.WithLabelValues(string(EventFailed)).Inc()
		s.logger.Error("webhook processing failed", "event_id", id, "type", ev.Type, "error", procErr)
		if err := s.store.FinishWebhookEvent(ctx, id, EventFailed, procErr.Error(), s.now().UTC()); err != nil {
			s.logger.Error("failed to record webhook failure", "event_id", id, "error", err)
		}
		return nil, procErr
	}
	if err := s.store.FinishWebhookEvent(ctx, id, status, "", s.now().UTC()); err != nil {
		return nil, err
	}
	webhookEvents.WithLabelValues(string(status)).Inc()
	return &WebhookOutcome{EventID: id, Status: status, Duplicate: !inserted && res != nil && res.Replayed, Result: res}, nil
}

func (s *Service) applyWebhook(ctx context.Context, ev *gateway.WebhookEvent) (EventStatus, *Result, error) {
	switch ev.Kind {
	case gateway.EventPaymentCaptured:
		p, err := s.store.GetByOrderID(ctx, ev.OrderID)
		if errors.Is(err, ErrPaymentNotFound) {
			s.logger.Warn("webhook for unknown order dismissed", logging.OrderID(ev.OrderID), "type", ev.Type)
			return EventIgnored, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		if ev.Amount > 0 {
			if minor, err := money.ToMinor(p.Amount, p.Currency); err == nil && minor != ev.Amount {
				amountMismatches.Inc()
				s.logger.Warn("captured amount differs from order",
					logging.PaymentID(p.ID), "expected_minor", minor, "captured_minor", ev.Amount)
			}
		}
		res, err := s.complete(ctx, "webhook", ev.OrderID, ev.PaymentID)
		if err != nil {
			if errors.Is(err, ErrPaymentNotPending) {
				return EventIgnored, nil, nil
			}
			return "", nil, err
		}
		return EventProcessed, res, nil

	case gateway.EventPaymentFailed:
		_, err := s.HandleFailure(ctx, FailureRequest{OrderID: ev.OrderID, Code: ev.FailureCode, Description: ev.FailureReason})
		switch {
		case errors.Is(err, ErrUnknownOrder), errors.Is(err, ErrPaymentAlreadyComplete):
			return EventIgnored, nil, nil
		case err != nil:
			return "", nil, err
		}
		return EventProcessed, nil, nil
	}
	return EventIgnored, nil, nil
}
