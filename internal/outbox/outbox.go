// Package outbox queues side effects of billing transitions (customer
// notifications, Guild provisioning sync) and delivers them asynchronously.
//
// Billing operations only enqueue. The Relay delivers due events to the
// handler registered for their topic, retrying with backoff until the
// event is delivered or marked dead. A failing collaborator therefore
// never blocks or fails the billing operation that produced the event.
package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrEventNotFound = errors.New("outbox: event not found")
	ErrDuplicate     = errors.New("outbox: duplicate dedup key")
)

// Topics
const (
	TopicNotification = "notification"
	TopicGuildSync    = "guild.sync"
)

// Notification kinds
const (
	KindTrialStarted          = "trial_started"
	KindSubscriptionActivated = "subscription_activated"
	KindSubscriptionRenewed   = "subscription_renewed"
	KindSubscriptionCancelled = "subscription_cancelled"
	KindSubscriptionExpired   = "subscription_expired"
	KindGracePeriodStarted    = "grace_period_started"
	KindPlanChanged           = "plan_changed"
	KindPaymentReceived       = "payment_received"
	KindPaymentFailed         = "payment_failed"
	KindPaymentRefundDue      = "payment_refund_due"
	KindInvoiceIssued         = "invoice_issued"
)

// Status is an outbox event delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Event is one queued side effect.
type Event struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Key           string          `json:"key"`
	DedupKey      string          `json:"dedupKey,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
}

// Notification is the payload of TopicNotification events, consumed by the
// email/notification service.
type Notification struct {
	Kind           string         `json:"kind"`
	ClientID       string         `json:"clientId"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	PaymentID      string         `json:"paymentId,omitempty"`
	InvoiceID      string         `json:"invoiceId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// GuildSync is the payload of TopicGuildSync events: the entitlements the
// Guild product should apply for a client.
type GuildSync struct {
	ClientID       string    `json:"clientId"`
	SubscriptionID string    `json:"subscriptionId"`
	Status         string    `json:"status"`
	PlanCode       string    `json:"planCode"`
	MaxUsers       int       `json:"maxUsers"`
	StorageQuotaMB int       `json:"storageQuotaMb"`
	ValidUntil     time.Time `json:"validUntil"`
	Reason         string    `json:"reason"`
}
