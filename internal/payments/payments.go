// Package payments records money received through the payment gateway.
//
// Flow:
//  1. An order is opened with the gateway for one purpose (new subscription,
//     renewal or invoice settlement) and a PENDING payment is stored.
//  2. The checkout callback or a webhook proves capture; a conditional write
//     moves the payment to COMPLETED exactly once.
//  3. The caller that won that write hands the payment to the reconciler,
//     which applies it to the subscription and invoice.
package payments

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/plans"
)

var (
	ErrPaymentNotFound = apperr.New(apperr.ErrNotFound, "payment_not_found", "payment not found")
	// ErrUnknownOrder deliberately reads the same as a bad signature.
	ErrUnknownOrder           = apperr.New(apperr.ErrNotFound, "payment_verification_failed", "payment verification failed")
	ErrDuplicateOrder         = apperr.New(apperr.ErrDuplicate, "duplicate_order", "gateway order already recorded")
	ErrDuplicateGatewayPay    = apperr.New(apperr.ErrDuplicate, "duplicate_gateway_payment", "gateway payment already recorded against another order")
	ErrInvalidPurpose         = apperr.New(apperr.ErrValidation, "invalid_payment_purpose", "payment purpose is missing the ids it requires")
	ErrInvalidPaymentRequest  = apperr.New(apperr.ErrValidation, "invalid_payment_request", "invalid payment request")
	ErrPaymentAlreadyComplete = apperr.New(apperr.ErrInvalidTransition, "payment_already_completed", "payment already completed")
	ErrPaymentNotPending      = apperr.New(apperr.ErrInvalidTransition, "payment_not_pending", "payment is no longer pending")
	ErrInvoiceNotPayable      = apperr.New(apperr.ErrInvalidTransition, "invoice_not_payable", "invoice is already paid or cancelled")
	ErrWebhookEventNotFound   = apperr.New(apperr.ErrNotFound, "webhook_event_not_found", "webhook event not found")
)

// Status is a payment state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Purpose says what a payment settles. Each purpose requires its own ids.
type Purpose string

const (
	// PurposeNewSubscription buys PlanID/BillingCycle for the client.
	PurposeNewSubscription Purpose = "NEW_SUBSCRIPTION"
	// PurposeRenewal extends SubscriptionID by one cycle.
	PurposeRenewal Purpose = "RENEWAL"
	// PurposeInvoiceSettlement pays InvoiceID.
	PurposeInvoiceSettlement Purpose = "INVOICE_SETTLEMENT"
)

// Payment is one gateway order and its outcome.
type Payment struct {
	ID                string             `json:"id"`
	ClientID          string             `json:"clientId"`
	UserID            string             `json:"userId,omitempty"`
	Purpose           Purpose            `json:"purpose"`
	SubscriptionID    string             `json:"subscriptionId,omitempty"`
	InvoiceID         string             `json:"invoiceId,omitempty"`
	PlanID            string             `json:"planId,omitempty"`
	BillingCycle      plans.BillingCycle `json:"billingCycle,omitempty"`
	Amount            decimal.Decimal    `json:"amount"`
	Currency          string             `json:"currency"`
	Status            Status             `json:"status"`
	Gateway           string             `json:"gateway"`
	GatewayOrderID    string             `json:"gatewayOrderId"`
	GatewayPaymentID  string             `json:"gatewayPaymentId,omitempty"`
	Receipt           string             `json:"receipt"`
	Description       string             `json:"description,omitempty"`
	SignatureVerified bool               `json:"signatureVerified"`
	FailureCode       string             `json:"failureCode,omitempty"`
	FailureReason     string             `json:"failureReason,omitempty"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
	PaidAt            *time.Time         `json:"paidAt,omitempty"`
	ReconciledAt      *time.Time         `json:"reconciledAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// Clone returns a copy safe to mutate.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ValidatePurpose checks that the ids the purpose depends on are present.
func (p *Payment) ValidatePurpose() error {
	switch p.Purpose {
	case PurposeNewSubscription:
		if p.PlanID == "" || p.BillingCycle == "" {
			return fmt.Errorf("%w: %s needs planId and billingCycle", ErrInvalidPurpose, p.Purpose)
		}
	case PurposeRenewal:
		if p.SubscriptionID == "" {
			return fmt.Errorf("%w: %s needs subscriptionId", ErrInvalidPurpose, p.Purpose)
		}
	case PurposeInvoiceSettlement:
		if p.InvoiceID == "" {
			return fmt.Errorf("%w: %s needs invoiceId", ErrInvalidPurpose, p.Purpose)
		}
	default:
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidPurpose, p.Purpose)
	}
	return nil
}

// EventStatus is the processing state of a received webhook.
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventIgnored   EventStatus = "ignored"
	EventFailed    EventStatus = "failed"
)

// Settled reports whether a redelivery of the event can be acknowledged
// without processing it again.
func (s EventStatus) Settled() bool {
	return s == EventProcessed || s == EventIgnored
}

// WebhookEvent is the audit record of one gateway webhook delivery.
type WebhookEvent struct {
	ID          string      `json:"id"`
	Gateway     string      `json:"gateway"`
	Type        string      `json:"type"`
	OrderID     string      `json:"orderId,omitempty"`
	PaymentID   string      `json:"paymentId,omitempty"`
	Payload     []byte      `json:"-"`
	Status      EventStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"lastError,omitempty"`
	ReceivedAt  time.Time   `json:"receivedAt"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`
}

// CheckoutRequest starts a self-service purchase.
type CheckoutRequest struct {
	ClientID     string             `json:"clientId" binding:"required"`
	UserID       string             `json:"userId"`
	PlanID       string             `json:"planId" binding:"required"`
	BillingCycle plans.BillingCycle `json:"billingCycle" binding:"required"`
	StartTrial   bool               `json:"startTrial"`
}

// VerifyRequest is what the checkout widget hands back after paying.
type VerifyRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	PaymentID string `json:"paymentId" binding:"required"`
	Signature string `json:"signature"`
}

// FailureRequest reports a failed checkout attempt.
type FailureRequest struct {
	OrderID     string `json:"orderId" binding:"required"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// OrderDescriptor is handed to the client-side checkout widget.
type OrderDescriptor struct {
	OrderID      string `json:"orderId"`
	Amount       int64  `json:"amount"` // minor units
	Currency     string `json:"currency"`
	GatewayKey   string `json:"gatewayKey"`
	Gateway      string `json:"gateway"`
	PaymentID    string `json:"paymentId"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Result is the outcome of a verified payment as seen by the payer.
type Result struct {
	Payment      PaymentView       `json:"payment"`
	Subscription *SubscriptionView `json:"subscription,omitempty"`
	Invoice      *InvoiceView      `json:"invoice,omitempty"`
	Replayed     bool              `json:"replayed"`
}

type PaymentView struct {
	ID               string          `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           Status          `json:"status"`
	GatewayPaymentID string          `json:"gatewayPaymentId"`
}

type SubscriptionView struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	PlanName     string             `json:"planName"`
	BillingCycle plans.BillingCycle `json:"billingCycle"`
	EndDate      time.Time          `json:"endDate"`
}

type InvoiceView struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Total         decimal.Decimal `json:"total"`
}

// ViewOf projects p for a Result.
func ViewOf(p *Payment) PaymentView {
	return PaymentView{
		ID:               p.ID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Status:           p.Status,
		GatewayPaymentID: p.GatewayPaymentID,
	}
}

// WebhookOutcome reports what ProcessWebhook did with a delivery.
type WebhookOutcome struct {
	EventID   string      `json:"eventId"`
	Status    EventStatus `json:"status"`
	Duplicate bool        `json:"duplicate"`
	Result    *Result     `json:"result,omitempty"`
}
