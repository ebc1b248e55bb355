package plans

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/guildbill/internal/apperr"
)

// Handler provides HTTP endpoints for the plan catalog.
type Handler struct {
	catalog *Catalog
}

// NewHandler creates a new plan handler.
func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// RegisterRoutes sets up public catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
	r.GET("/plans/:id", h.GetPlan)
}

// RegisterAdminRoutes sets up catalog management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/plans", h.CreatePlan)
	r.PATCH("/plans/:id", h.UpdatePlan)
}

// ListPlans handles GET /v1/plans. Inactive plans are listed only with ?all=true.
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.catalog.List(c.Request.Context(), c.Query("all") != "true")
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

// GetPlan handles GET /v1/plans/:id
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// CreatePlan handles POST /v1/admin/plans
func (h *Handler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	plan, err := h.catalog.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": plan})
}

// UpdatePlan handles PATCH /v1/admin/plans/:id
func (h *Handler) UpdatePlan(c *gin.Context) {
	var req UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	plan, err := h.catalog.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}
