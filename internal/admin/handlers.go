package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/outbox"
)

// Handler provides admin HTTP endpoints. Every dependency is optional; a
// route whose dependency is missing answers 503.
type Handler struct {
	subs     SubscriptionSweeper
	invoices OverdueSweeper
	runner   ReconciliationRunner
	payments PaymentLister
	outbox   OutboxLister
	now      func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithSubscriptions sets the subscription sweeper.
func (h *Handler) WithSubscriptions(s SubscriptionSweeper) *Handler {
	h.subs = s
	return h
}

// WithInvoices sets the overdue sweeper.
func (h *Handler) WithInvoices(s OverdueSweeper) *Handler {
	h.invoices = s
	return h
}

// WithReconciler sets the reconciliation runner for on-demand passes.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.runner = r
	return h
}

// WithPayments sets the payment lister.
func (h *Handler) WithPayments(p PaymentLister) *Handler {
	h.payments = p
	return h
}

// WithOutbox sets the outbox lister.
func (h *Handler) WithOutbox(o OutboxLister) *Handler {
	h.outbox = o
	return h
}

// WithClock overrides the time source.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RegisterRoutes sets up admin routes on the /admin group, which the caller
// guards with RequireSecret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions/sweep", h.sweepSubscriptions)
	r.POST("/invoices/mark-overdue", h.markOverdue)
	r.POST("/reconcile", h.triggerReconciliation)
	r.GET("/payments/unreconciled", h.listUnreconciled)
	r.GET("/outbox/dead", h.listDeadEvents)
}

func (h *Handler) sweepSubscriptions(c *gin.Context) {
	if h.subs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscriptions not configured"})
		return
	}
	res, err := h.subs.Sweep(c.Request.Context(), h.now().UTC())
	if err != nil {
		logging.L(c.Request.Context()).Error("admin sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *Handler) markOverdue(c *gin.Context) {
	if h.invoices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "invoices not configured"})
		return
	}
	moved, err := h.invoices.MarkOverdue(c.Request.Context(), h.now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "overdue_sweep_failed", "message": err.Error(), "marked": moved})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": moved})
}

// triggerReconciliation runs one reconciliation pass now.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	report, err := h.runner.RunPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) listUnreconciled(c *gin.Context) {
	if h.payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments not configured"})
		return
	}

	before := h.now().UTC()
	if s := c.Query("before"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before", "message": "before must be RFC3339"})
			return
		}
		before = parsed
	}

	list, err := h.payments.ListUnreconciled(c.Request.Context(), before, queryLimit(c, 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payments", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

func (h *Handler) listDeadEvents(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox not configured"})
		return
	}
	events, err := h.outbox.ListByStatus(c.Request.Context(), outbox.StatusDead, queryLimit(c, 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func queryLimit(c *gin.Context, def, max int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}
