// Package invoices produces billing records from subscription snapshots
// and ad-hoc line items.
//
// Lifecycle: DRAFT -> SENT -> PAID, SENT -> OVERDUE -> PAID, and any
// unpaid status -> CANCELLED. A PAID invoice never changes again.
package invoices

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/money"
)

var (
	ErrInvoiceNotFound         = apperr.New(apperr.ErrNotFound, "invoice_not_found", "invoice not found")
	ErrInvalidTransition       = apperr.New(apperr.ErrInvalidTransition, "invalid_invoice_transition", "operation not allowed in the invoice's current status")
	ErrCannotCancelPaidInvoice = apperr.New(apperr.ErrInvalidTransition, "cannot_cancel_paid_invoice", "a paid invoice cannot be cancelled")
	ErrInvalidInvoice          = apperr.New(apperr.ErrValidation, "invalid_invoice", "invalid invoice")
	ErrInvoiceNumberTaken      = apperr.New(apperr.ErrDuplicate, "invoice_number_taken", "invoice number already exists")
	ErrPaymentAlreadyInvoiced  = apperr.New(apperr.ErrDuplicate, "payment_already_invoiced", "payment is already linked to another invoice")
	ErrConcurrentUpdate        = apperr.New(apperr.ErrInvalidTransition, "concurrent_update", "invoice was modified concurrently, retry the operation")
)

// Status is an invoice lifecycle state.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSent      Status = "SENT"
	StatusPaid      Status = "PAID"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
)

// LineItem is one billed line. Amount is always Quantity x UnitPrice.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Amount      decimal.Decimal `json:"amount"`
}

// Invoice is an immutable-once-paid billing record.
type Invoice struct {
	ID             string          `json:"id"`
	Number         string          `json:"invoiceNumber"`
	ClientID       string          `json:"clientId"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	PaymentID      string          `json:"paymentId,omitempty"`
	LineItems      []LineItem      `json:"lineItems"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRate        decimal.Decimal `json:"taxRate"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	PeriodStart    *time.Time      `json:"periodStart,omitempty"`
	PeriodEnd      *time.Time      `json:"periodEnd,omitempty"`
	Status         Status          `json:"status"`
	DueDate        time.Time       `json:"dueDate"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	PdfURL         string          `json:"pdfUrl,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CancelledAt    *time.Time      `json:"cancelledAt,omitempty"`
	CancelReason   string          `json:"cancelReason,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy safe to mutate.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	cp.LineItems = append([]LineItem(nil), inv.LineItems...)
	return &cp
}

// Totals are the derived amounts of an invoice.
type Totals struct {
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
}

// ComputeTotals recomputes every line amount and the invoice totals. Caller
// supplied amounts are discarded. Tax is rounded half-up to the currency's
// minor unit.
func ComputeTotals(items []LineItem, taxRate decimal.Decimal, currency string) ([]LineItem, Totals, error) {
	if len(items) == 0 {
		return nil, Totals{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidInvoice)
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, Totals{}, fmt.Errorf("%w: tax rate must be between 0 and 100", ErrInvalidInvoice)
	}

	out := make([]LineItem, len(items))
	subtotal := decimal.Zero
	for i, it := range items {
		if it.Description == "" {
			return nil, Totals{}, fmt.Errorf("%w: line %d has no description", ErrInvalidInvoice, i+1)
		}
		if it.Quantity <= 0 {
			return nil, Totals{}, fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidInvoice, i+1)
		}
		if it.UnitPrice.IsNegative() {
			return nil, Totals{}, fmt.Errorf("%w: line %d unit price cannot be negative", ErrInvalidInvoice, i+1)
		}
		it.Amount = money.Round(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)), currency)
		out[i] = it
		subtotal = subtotal.Add(it.Amount)
	}

	tax := money.Percent(subtotal, taxRate, currency)
	return out, Totals{Subtotal: subtotal, TaxAmount: tax, Total: subtotal.Add(tax)}, nil
}

// FormatNumber renders an invoice number such as INV-202501-000123.
func FormatNumber(prefix string, at time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, at.UTC().Format("200601"), seq)
}

// SubscriptionOptions tunes CreateForSubscription. Zero values fall back
// to the subscription snapshot and service defaults.
type SubscriptionOptions struct {
	TaxRate     *decimal.Decimal
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	DueDate     *time.Time
	PaymentID   string
	Notes       string
}

// CreateRequest creates an ad-hoc invoice.
type CreateRequest struct {
	ClientID       string           `json:"clientId" binding:"required"`
	SubscriptionID string           `json:"subscriptionId"`
	Currency       string           `json:"currency"`
	LineItems      []LineItem       `json:"lineItems" binding:"required"`
	TaxRate        *decimal.Decimal `json:"taxRate"`
	DueDate        *time.Time       `json:"dueDate"`
	PeriodStart    *time.Time       `json:"periodStart"`
	PeriodEnd      *time.Time       `json:"periodEnd"`
	Notes          string           `json:"notes"`
}

// CancelRequest contains the parameters for cancelling an invoice.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// PayRequest records an offline or manual settlement.
type PayRequest struct {
	PaymentID string `json:"paymentId"`
}
