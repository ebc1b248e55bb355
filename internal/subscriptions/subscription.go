// Package subscriptions owns the subscription lifecycle.
//
// State machine:
//
//	TRIAL        --activate/payment-->   ACTIVE
//	ACTIVE       --renew-->              ACTIVE (endDate extended)
//	ACTIVE       --sweep past endDate--> GRACE_PERIOD
//	GRACE_PERIOD --renew/payment-->      ACTIVE
//	GRACE_PERIOD --grace elapses-->      EXPIRED
//	TRIAL        --sweep past trial-->   EXPIRED
//	EXPIRED      --renew/payment-->      ACTIVE
//	any but CANCELLED --cancel-->        CANCELLED (terminal)
//
// A client holds at most one subscription in TRIAL, ACTIVE or GRACE_PERIOD.
package subscriptions

import (
	"time"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/shopspring/decimal"
)

var (
	ErrSubscriptionNotFound        = apperr.New(apperr.ErrNotFound, "subscription_not_found", "subscription not found")
	ErrNoActiveSubscription        = apperr.New(apperr.ErrNotFound, "no_active_subscription", "client has no active subscription")
	ErrDuplicateActiveSubscription = apperr.New(apperr.ErrDuplicate, "duplicate_active_subscription", "client already has an active subscription")
	ErrInvalidTransition           = apperr.New(apperr.ErrInvalidTransition, "invalid_subscription_transition", "operation not allowed in the subscription's current status")
	ErrAlreadyCancelled            = apperr.New(apperr.ErrInvalidTransition, "subscription_cancelled", "subscription is cancelled")
	ErrConcurrentUpdate            = apperr.New(apperr.ErrInvalidTransition, "concurrent_update", "subscription was modified concurrently, retry the operation")
	ErrTrialNotAvailable           = apperr.New(apperr.ErrValidation, "trial_not_available", "plan does not offer a free trial")
	ErrInvalidSubscriptionRequest  = apperr.New(apperr.ErrValidation, "invalid_subscription_request", "invalid subscription request")
)

// Status is a subscription lifecycle state.
type Status string

const (
	StatusTrial       Status = "TRIAL"
	StatusActive      Status = "ACTIVE"
	StatusGracePeriod Status = "GRACE_PERIOD"
	StatusExpired     Status = "EXPIRED"
	StatusCancelled   Status = "CANCELLED"
)

// Live reports whether the status counts toward the one-per-client limit.
func (s Status) Live() bool {
	switch s {
	case StatusTrial, StatusActive, StatusGracePeriod:
		return true
	}
	return false
}

// LiveStatuses lists the statuses that count toward the one-per-client limit.
var LiveStatuses = []Status{StatusTrial, StatusActive, StatusGracePeriod}

// Subscription is one client's subscription to a plan.
type Subscription struct {
	ID             string             `json:"id"`
	ClientID       string             `json:"clientId"`
	PlanID         string             `json:"planId"`
	PlanCode       string             `json:"planCode"`
	PlanName       string             `json:"planName"`
	BillingCycle   plans.BillingCycle `json:"billingCycle"`
	Amount         decimal.Decimal    `json:"amount"` // frozen at creation; only ChangePlan re-resolves it
	Currency       string             `json:"currency"`
	Status         Status             `json:"status"`
	StartDate      time.Time          `json:"startDate"`
	EndDate        time.Time          `json:"endDate"`
	TrialEndsAt    *time.Time         `json:"trialEndsAt,omitempty"`
	GraceEndsAt    *time.Time         `json:"graceEndsAt,omitempty"`
	AutoRenew      bool               `json:"autoRenew"`
	MaxUsers       int                `json:"maxUsers"`
	StorageQuotaMB int                `json:"storageQuotaMb"`
	LastRenewalAt  *time.Time         `json:"lastRenewalAt,omitempty"`
	LastPaymentID  string             `json:"lastPaymentId,omitempty"`
	CancelledAt    *time.Time         `json:"cancelledAt,omitempty"`
	CancelReason   string             `json:"cancelReason,omitempty"`
	Version        int64              `json:"version"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Clone returns a copy safe to mutate.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	return &cp
}

// ExistingPolicy decides what Create does when the client already holds a
// live subscription on a different plan or cycle.
type ExistingPolicy string

const (
	// PolicyReject fails with ErrDuplicateActiveSubscription.
	PolicyReject ExistingPolicy = "reject"
	// PolicyUpdateInPlace switches an existing TRIAL or GRACE_PERIOD
	// subscription to the requested plan and cycle.
	PolicyUpdateInPlace ExistingPolicy = "update_in_place"
)

// CreateRequest contains the parameters for creating a subscription.
type CreateRequest struct {
	ClientID       string             `json:"clientId" binding:"required"`
	PlanID         string             `json:"planId" binding:"required"`
	BillingCycle   plans.BillingCycle `json:"billingCycle" binding:"required"`
	StartTrial     bool               `json:"startTrial"`
	StartDate      *time.Time         `json:"startDate,omitempty"`
	AutoRenew      *bool              `json:"autoRenew,omitempty"`
	MaxUsers       *int               `json:"maxUsers,omitempty"`
	StorageQuotaMB *int               `json:"storageQuotaMb,omitempty"`
}

// CancelRequest contains the parameters for cancelling a subscription.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ChangePlanRequest switches a subscription to another plan or cycle.
type ChangePlanRequest struct {
	PlanID       string             `json:"planId" binding:"required"`
	BillingCycle plans.BillingCycle `json:"billingCycle" binding:"required"`
}

// PaymentApplication describes a verified payment to apply to a subscription.
type PaymentApplication struct {
	PaymentID      string
	SubscriptionID string // empty for a checkout-time purchase
	ClientID       string
	PlanID         string
	BillingCycle   plans.BillingCycle
	Renewal        bool
	// Purchase marks a checkout payment for PlanID/BillingCycle.
	Purchase bool
}

// Effect is what ApplyPayment did.
type Effect string

const (
	EffectCreated   Effect = "created"
	EffectActivated Effect = "activated"
	EffectRenewed   Effect = "renewed"
	EffectRecorded  Effect = "recorded"
	EffectNone      Effect = "already_applied"
	// EffectRefundDue: a purchase arrived for a client already ACTIVE on a
	// different plan or cycle. Nothing was changed or recorded.
	EffectRefundDue Effect = "refund_due"
)

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Scanned     int `json:"scanned"`
	ToGrace     int `json:"toGrace"`
	Expired     int `json:"expired"`
	TrialsEnded int `json:"trialsEnded"`
	Failed      int `json:"failed"`
}
