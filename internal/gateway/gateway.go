// Package gateway talks to third-party payment processors.
//
// Flow:
//  1. CreateOrder registers an amount (minor units) with the processor and
//     returns an order id for the client-side checkout widget.
//  2. The widget pays and hands back (orderId, paymentId, signature);
//     VerifyPayment checks that the processor really captured it.
//  3. The processor also delivers signed webhooks; ParseWebhook verifies the
//     raw body and normalizes the event.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/idgen"
)

// Errors
var (
	ErrInvalidSignature = apperr.New(apperr.ErrInvalidSignature, "payment_verification_failed", "payment verification failed")
	ErrUpstream         = apperr.New(apperr.ErrUpstream, "gateway_unavailable", "payment gateway unavailable")
	ErrInvalidAmount    = apperr.New(apperr.ErrValidation, "invalid_amount", "order amount must be a positive number of minor units")
	ErrInvalidCurrency  = apperr.New(apperr.ErrValidation, "invalid_currency", "currency must be a 3-letter ISO code")
	ErrInvalidReceipt   = apperr.New(apperr.ErrValidation, "invalid_receipt", fmt.Sprintf("receipt is required and at most %d characters", idgen.MaxReceiptLen))
	ErrMalformedWebhook = apperr.New(apperr.ErrValidation, "malformed_webhook", "webhook payload could not be parsed")
)

// EventKind is the normalized meaning of a processor webhook.
type EventKind string

const (
	EventPaymentCaptured EventKind = "payment.captured"
	EventPaymentFailed   EventKind = "payment.failed"
	EventIgnored         EventKind = "ignored"
)

// Client is a payment processor.
type Client interface {
	// Name identifies the processor ("orders", "stripe", "fake").
	Name() string
	// PublicKey is handed to the client-side checkout widget.
	PublicKey() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// VerifyPayment fails closed with ErrInvalidSignature unless the
	// processor vouches for paymentID settling orderID.
	VerifyPayment(ctx context.Context, orderID, paymentID, signature string) error
	// ParseWebhook verifies signature over the raw, unmodified body.
	ParseWebhook(raw []byte, signature string) (*WebhookEvent, error)
}

// OrderRequest asks the processor to open an order.
type OrderRequest struct {
	Amount   int64  // minor units (paise, cents)
	Currency string // ISO 4217
	Receipt  string
	Notes    map[string]string
}

// Validate checks the processor's constraints before any network call.
func (r OrderRequest) Validate() error {
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if len(r.Currency) != 3 {
		return ErrInvalidCurrency
	}
	if r.Receipt == "" || len(r.Receipt) > idgen.MaxReceiptLen {
		return ErrInvalidReceipt
	}
	return nil
}

// Order is the processor's view of an opened order.
type Order struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Receipt      string `json:"receipt"`
	Status       string `json:"status"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// WebhookEvent is a verified, normalized processor event.
type WebhookEvent struct {
	ID            string
	Type          string // processor's own event name
	Kind          EventKind
	OrderID       string
	PaymentID     string
	Amount        int64
	Currency      string
	FailureCode   string
	FailureReason string
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
