package subscriptions

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/validation"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "clientId")

	r.POST("/subscriptions", h.CreateSubscription)
	r.GET("/subscriptions/:id", ids, h.GetSubscription)
	r.POST("/subscriptions/:id/activate", ids, h.ActivateSubscription)
	r.POST("/subscriptions/:id/renew", ids, h.RenewSubscription)
	r.POST("/subscriptions/:id/cancel", ids, h.CancelSubscription)
	r.POST("/subscriptions/:id/change-plan", ids, h.ChangePlan)
	r.GET("/clients/:clientId/subscription", ids, h.GetActiveSubscription)
	r.GET("/clients/:clientId/subscriptions", ids, h.ListClientSubscriptions)
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateRequest
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

	sub, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// GetSubscription handles GET /v1/subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// GetActiveSubscription handles GET /v1/clients/:clientId/subscription
func (h *Handler) GetActiveSubscription(c *gin.Context) {
	sub, err := h.service.FindActive(c.Request.Context(), c.Param("clientId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ListClientSubscriptions handles GET /v1/clients/:clientId/subscriptions
func (h *Handler) ListClientSubscriptions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	subs, err := h.service.ListByClient(c.Request.Context(), c.Param("clientId"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// ActivateSubscription handles POST /v1/subscriptions/:id/activate
func (h *Handler) ActivateSubscription(c *gin.Context) {
	sub, err := h.service.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// RenewSubscription handles POST /v1/subscriptions/:id/renew
func (h *Handler) RenewSubscription(c *gin.Context) {
	sub, err := h.service.Renew(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// CancelSubscription handles POST /v1/subscriptions/:id/cancel. The body is optional.
func (h *Handler) CancelSubscription(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	sub, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ChangePlan handles POST /v1/subscriptions/:id/change-plan
func (h *Handler) ChangePlan(c *gin.Context) {
	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "planId and billingCycle are required")
		return
	}
	cycle, err := plans.ParseCycle(string(req.BillingCycle))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	req.BillingCycle = cycle

	sub, err := h.service.ChangePlan(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}
