// Package admin provides operator endpoints for running sweeps on demand
// and inspecting payments and outbox events that need attention.
package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/payments"
	"github.com/mbd888/guildbill/internal/reconciliation"
	"github.com/mbd888/guildbill/internal/subscriptions"
)

// HeaderSecret carries the shared admin secret.
const HeaderSecret = "X-Admin-Secret"

// SubscriptionSweeper runs the subscription expiry sweep.
type SubscriptionSweeper interface {
	Sweep(ctx context.Context, now time.Time) (subscriptions.SweepResult, error)
}

// OverdueSweeper marks SENT invoices past due as OVERDUE.
type OverdueSweeper interface {
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
}

// ReconciliationRunner retries reconciliation for completed payments.
type ReconciliationRunner interface {
	RunPending(ctx context.Context) (*reconciliation.Report, error)
}

// PaymentLister lists payments still waiting on reconciliation.
type PaymentLister interface {
	ListUnreconciled(ctx context.Context, paidBefore time.Time, limit int) ([]*payments.Payment, error)
}

// OutboxLister lists outbox events by delivery state.
type OutboxLister interface {
	ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error)
}

// RequireSecret rejects requests whose X-Admin-Secret header does not match
// secret. An empty secret leaves the routes open; config validation refuses
// that in production.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(HeaderSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the X-Admin-Secret header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}
