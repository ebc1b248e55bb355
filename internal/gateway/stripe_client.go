package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeConfig configures a StripeClient.
type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	// Backends overrides the API backend (tests point it at httptest).
	Backends *stripe.Backends
}

// StripeClient maps orders onto Stripe PaymentIntents. The intent id is the
// order id; the latest charge id (or the intent id) is the payment id.
type StripeClient struct {
	api           *client.API
	publishable   string
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeClient creates a Stripe-backed gateway client.
func NewStripeClient(cfg StripeConfig, logger *slog.Logger) *StripeClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		publishable:   cfg.PublishableKey,
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}
}

func (c *StripeClient) Name() string      { return "stripe" }
func (c *StripeClient) PublicKey() string { return c.publishable }

// CreateOrder creates a PaymentIntent. The receipt doubles as the Stripe
// idempotency key, so a retried checkout never opens a second intent.
func (c *StripeClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Description: stripe.String(req.Receipt),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.Receipt)
	params.AddMetadata("receipt", req.Receipt)
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}

	start := time.Now()
	pi, err := c.api.PaymentIntents.New(params)
	observe(c.Name(), "create_order", start, err)
	if err != nil {
		c.logger.Error("create payment intent failed", "receipt", req.Receipt, "error", err)
		return nil, upstreamError(err)
	}
	return &Order{
		ID:           pi.ID,
		Amount:       pi.Amount,
		Currency:     normalizeCurrency(string(pi.Currency)),
		Receipt:      req.Receipt,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
	}, nil
}

// VerifyPayment retrieves the intent server-side; the browser callback is
// not trusted. The intent must have succeeded and paymentID must name it or
// its latest charge.
func (c *StripeClient) VerifyPayment(ctx context.Context, orderID, paymentID, _ string) error {
	if orderID == "" || paymentID == "" {
		return ErrInvalidSignature
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	start := time.Now()
	pi, err := c.api.PaymentIntents.Get(orderID, params)
	observe(c.Name(), "verify_payment", start, err)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == 404 {
			signatureRejections.WithLabelValues(c.Name(), "payment").Inc()
			return ErrInvalidSignature
		}
		return upstreamError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded || (stripePaymentID(pi) != paymentID && pi.ID != paymentID) {
		signatureRejections.WithLabelValues(c.Name(), "payment").Inc()
		c.logger.Warn("payment intent not settled", "order_id", orderID, "status", pi.Status)
		return ErrInvalidSignature
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header over the raw body.
func (c *StripeClient) ParseWebhook(raw []byte, signature string) (*WebhookEvent, error) {
	if c.webhookSecret == "" || signature == "" {
		signatureRejections.WithLabelValues(c.Name(), "webhook").Inc()
		return nil, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(raw, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		signatureRejections.WithLabelValues(c.Name(), "webhook").Inc()
		c.logger.Warn("stripe webhook rejected", "error", err)
		return nil, ErrInvalidSignature
	}

	ev := &WebhookEvent{ID: event.ID, Type: string(event.Type), Kind: EventIgnored}
	switch ev.Type {
	case "payment_intent.succeeded":
		ev.Kind = EventPaymentCaptured
	case "payment_intent.payment_failed":
		ev.Kind = EventPaymentFailed
	default:
		return ev, nil
	}
	if event.Data == nil {
		return nil, ErrMalformedWebhook
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	ev.OrderID = pi.ID
	ev.PaymentID = stripePaymentID(&pi)
	ev.Amount = pi.Amount
	ev.Currency = normalizeCurrency(string(pi.Currency))
	if pi.LastPaymentError != nil {
		ev.FailureCode = string(pi.LastPaymentError.Code)
		ev.FailureReason = pi.LastPaymentError.Msg
	}
	return ev, nil
}

func stripePaymentID(pi *stripe.PaymentIntent) string {
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID
	}
	return pi.ID
}

func upstreamError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%w: stripe %d %s", ErrUpstream, se.HTTPStatusCode, se.Code)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
