package invoices

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/subscriptions"
	"github.com/mbd888/guildbill/internal/validation"
)

// SubscriptionReader loads the subscription an invoice is drawn from.
type SubscriptionReader interface {
	Get(ctx context.Context, id string) (*subscriptions.Subscription, error)
}

// Handler provides HTTP endpoints for invoices.
type Handler struct {
	service *Service
	subs    SubscriptionReader
}

// NewHandler creates a new invoice handler.
func NewHandler(service *Service, subs SubscriptionReader) *Handler {
	return &Handler{service: service, subs: subs}
}

// RegisterRoutes sets up invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "clientId")

	r.POST("/subscriptions/:id/invoices", ids, h.CreateForSubscription)
	r.POST("/invoices", h.CreateInvoice)
	r.GET("/invoices/:id", ids, h.GetInvoice)
	r.GET("/clients/:clientId/invoices", ids, h.ListClientInvoices)
	r.POST("/invoices/:id/send", ids, h.SendInvoice)
	r.POST("/invoices/:id/pay", ids, h.PayInvoice)
	r.POST("/invoices/:id/cancel", ids, h.CancelInvoice)
}

// subscriptionInvoiceRequest is the optional body of
// POST /v1/subscriptions/:id/invoices.
type subscriptionInvoiceRequest struct {
	TaxRate     *decimal.Decimal `json:"taxRate"`
	PeriodStart *time.Time       `json:"periodStart"`
	PeriodEnd   *time.Time       `json:"periodEnd"`
	DueDate     *time.Time       `json:"dueDate"`
	Notes       string           `json:"notes"`
}

// CreateForSubscription handles POST /v1/subscriptions/:id/invoices
func (h *Handler) CreateForSubscription(c *gin.Context) {
	var req subscriptionInvoiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}

	sub, err := h.subs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	inv, err := h.service.CreateForSubscription(c.Request.Context(), sub, SubscriptionOptions{
		TaxRate:     req.TaxRate,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		DueDate:     req.DueDate,
		Notes:       req.Notes,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// CreateInvoice handles POST /v1/invoices
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "clientId and lineItems are required")
		return
	}
	inv, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// GetInvoice handles GET /v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// ListClientInvoices handles GET /v1/clients/:clientId/invoices
func (h *Handler) ListClientInvoices(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	invs, err := h.service.ListByClient(c.Request.Context(), c.Param("clientId"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invs, "count": len(invs)})
}

// SendInvoice handles POST /v1/invoices/:id/send
func (h *Handler) SendInvoice(c *gin.Context) {
	inv, err := h.service.Send(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// PayInvoice handles POST /v1/invoices/:id/pay for offline settlements.
func (h *Handler) PayInvoice(c *gin.Context) {
	var req PayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	inv, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), req.PaymentID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// CancelInvoice handles POST /v1/invoices/:id/cancel
func (h *Handler) CancelInvoice(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	inv, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}
