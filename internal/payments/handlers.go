package payments

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/subscriptions"
	"github.com/mbd888/guildbill/internal/validation"
)

// MaxWebhookBody caps the raw webhook payload read for verification.
const MaxWebhookBody = 1 << 20

// Signature and event id headers accepted on the webhook route.
const (
	HeaderSignature       = "X-Gateway-Signature"
	HeaderStripeSignature = "Stripe-Signature"
	HeaderEventID         = "X-Gateway-Event-Id"
)

// TrialStarter opens free trials, which need no gateway order.
type TrialStarter interface {
	Create(ctx context.Context, req subscriptions.CreateRequest) (*subscriptions.Subscription, error)
}

// Handler provides HTTP endpoints for checkout and payment verification.
type Handler struct {
	service *Service
	trials  TrialStarter
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithTrials lets checkout start free trials.
func (h *Handler) WithTrials(t TrialStarter) *Handler {
	h.trials = t
	return h
}

// RegisterRoutes sets up checkout and payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "clientId")

	r.POST("/checkout", h.Checkout)
	r.POST("/subscriptions/:id/renewal-order", ids, h.CreateRenewalOrder)
	r.POST("/invoices/:id/payment-order", ids, h.CreateInvoiceOrder)
	r.POST("/payments/verify", h.VerifyPayment)
	r.POST("/payments/failure", h.ReportFailure)
	r.GET("/payments/:id", ids, h.GetPayment)
	r.GET("/clients/:clientId/payments", ids, h.ListClientPayments)
}

// RegisterWebhookRoutes sets up the gateway webhook. It must not sit behind
// middleware that consumes or rewrites the body.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.GatewayWebhook)
}

// Checkout handles POST /v1/checkout. A trial request creates the
// subscription directly; anything else opens a gateway order.
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "clientId, planId and billingCycle are required")
		return
	}
	cycle, err := plans.ParseCycle(string(req.BillingCycle))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	req.BillingCycle = cycle

	if validation.Abort(c, validation.Validate(
		validation.ValidID("clientId", req.ClientID),
		validation.ValidID("planId", req.PlanID),
	)) {
		return
	}

	if req.StartTrial {
		if h.trials == nil {
			apperr.Respond(c, subscriptions.ErrTrialNotAvailable)
			return
		}
		sub, err := h.trials.Create(c.Request.Context(), subscriptions.CreateRequest{
			ClientID:     req.ClientID,
			PlanID:       req.PlanID,
			BillingCycle: req.BillingCycle,
			StartTrial:   true,
		})
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"subscription": sub})
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

type orderRequest struct {
	UserID string `json:"userId"`
}

func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(v); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return false
		}
	}
	return true
}

// CreateRenewalOrder handles POST /v1/subscriptions/:id/renewal-order
func (h *Handler) CreateRenewalOrder(c *gin.Context) {
	var req orderRequest
	if !bindOptional(c, &req) {
		return
	}
	order, err := h.service.CreateRenewalOrder(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// CreateInvoiceOrder handles POST /v1/invoices/:id/payment-order
func (h *Handler) CreateInvoiceOrder(c *gin.Context) {
	var req orderRequest
	if !bindOptional(c, &req) {
		return
	}
	order, err := h.service.CreateInvoiceOrder(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// VerifyPayment handles POST /v1/payments/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "orderId and paymentId are required")
		return
	}
	res, err := h.service.VerifyAndProcess(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReportFailure handles POST /v1/payments/failure
func (h *Handler) ReportFailure(c *gin.Context) {
	var req FailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "orderId is required")
		return
	}
	p, err := h.service.HandleFailure(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListClientPayments handles GET /v1/clients/:clientId/payments
func (h *Handler) ListClientPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListByClient(c.Request.Context(), c.Param("clientId"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

// GatewayWebhook handles POST /v1/webhooks/gateway. The signature is
// checked against the exact bytes received. Non-2xx answers make the
// gateway redeliver, so only rejected signatures and processing errors
// produce them.
func (h *Handler) GatewayWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxWebhookBody+1))
	if err != nil {
		apperr.BadRequest(c, "Unable to read body")
		return
	}
	if len(raw) > MaxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Webhook body too large"})
		return
	}

	sig := c.GetHeader(HeaderSignature)
	if sig == "" {
		sig = c.GetHeader(HeaderStripeSignature)
	}
	out, err := h.service.ProcessWebhook(c.Request.Context(), raw, sig, c.GetHeader(HeaderEventID))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
