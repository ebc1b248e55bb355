package plans

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mbd888/guildbill/internal/idgen"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	cacheSize = 256
	cacheTTL  = 5 * time.Minute
)

// CreatePlanRequest is the admin payload for a new plan.
type CreatePlanRequest struct {
	Code           string                           `json:"code" binding:"required"`
	Name           string                           `json:"name" binding:"required"`
	Description    string                           `json:"description"`
	Prices         map[BillingCycle]decimal.Decimal `json:"prices" binding:"required"`
	Currency       string                           `json:"currency"`
	MaxUsers       int                              `json:"maxUsers"`
	StorageQuotaMB int                              `json:"storageQuotaMb"`
	Features       []string                         `json:"features"`
	TrialDays      int                              `json:"trialDays"`
	Inactive       bool                             `json:"inactive"`
}

// UpdatePlanRequest patches a plan. Nil fields are left unchanged.
// Prices replaces the whole price table when set.
type UpdatePlanRequest struct {
	Code           *string                          `json:"code,omitempty"`
	Name           *string                          `json:"name,omitempty"`
	Description    *string                          `json:"description,omitempty"`
	Prices         map[BillingCycle]decimal.Decimal `json:"prices,omitempty"`
	MaxUsers       *int                             `json:"maxUsers,omitempty"`
	StorageQuotaMB *int                             `json:"storageQuotaMb,omitempty"`
	Features       []string                         `json:"features,omitempty"`
	TrialDays      *int                             `json:"trialDays,omitempty"`
	IsActive       *bool                            `json:"isActive,omitempty"`
}

// Catalog is the plan service. Reads go through a short-lived LRU so the
// checkout path does not hit the database for every plan lookup.
type Catalog struct {
	store           Store
	defaultCurrency string
	cache           *lru.LRU[string, *Plan]
	group           singleflight.Group
	logger          *slog.Logger
	now             func() time.Time
}

// NewCatalog creates a plan catalog over store.
func NewCatalog(store Store, defaultCurrency string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:           store,
		defaultCurrency: strings.ToUpper(defaultCurrency),
		cache:           lru.NewLRU[string, *Plan](cacheSize, nil, cacheTTL),
		logger:          logger,
		now:             time.Now,
	}
}

// Create validates and stores a new plan.
func (c *Catalog) Create(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	now := c.now().UTC()
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = c.defaultCurrency
	}
	p := &Plan{
		ID:             idgen.WithPrefix("plan_"),
		Code:           strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:           strings.TrimSpace(req.Name),
		Description:    req.Description,
		Prices:         req.Prices,
		Currency:       currency,
		MaxUsers:       req.MaxUsers,
		StorageQuotaMB: req.StorageQuotaMB,
		Features:       req.Features,
		TrialDays:      req.TrialDays,
		IsActive:       !req.Inactive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Features == nil {
		p.Features = []string{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, p); err != nil {
		return nil, err
	}
	c.logger.Info("plan created", "plan_id", p.ID, "code", p.Code)
	return p.Clone(), nil
}

// Update applies req to the plan. The code is immutable: a request naming
// a different code is rejected.
func (c *Catalog) Update(ctx context.Context, id string, req UpdatePlanRequest) (*Plan, error) {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Code != nil && !strings.EqualFold(*req.Code, p.Code) {
		return nil, fmt.Errorf("%w: plan code is immutable", ErrInvalidPlan)
	}
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Prices != nil {
		p.Prices = req.Prices
	}
	if req.MaxUsers != nil {
		p.MaxUsers = *req.MaxUsers
	}
	if req.StorageQuotaMB != nil {
		p.StorageQuotaMB = *req.StorageQuotaMB
	}
	if req.Features != nil {
		p.Features = req.Features
	}
	if req.TrialDays != nil {
		p.TrialDays = *req.TrialDays
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.UpdatedAt = c.now().UTC()

	if err := c.store.Update(ctx, p); err != nil {
		return nil, err
	}
	c.cache.Remove(id)
	c.logger.Info("plan updated", "plan_id", p.ID, "code", p.Code, "active", p.IsActive)
	return p.Clone(), nil
}

// Get returns a plan by ID, served from cache when fresh. Concurrent misses
// for the same ID share one store read.
func (c *Catalog) Get(ctx context.Context, id string) (*Plan, error) {
	if p, ok := c.cache.Get(id); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return p.Clone(), nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(id, func() (any, error) {
		p, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan).Clone(), nil
}

// GetByCode returns a plan by its catalog code. Not cached.
func (c *Catalog) GetByCode(ctx context.Context, code string) (*Plan, error) {
	return c.store.GetByCode(ctx, strings.ToUpper(code))
}

// List returns plans ordered by code.
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	return c.store.List(ctx, activeOnly)
}

// ForSubscription returns an active plan together with its price for cycle.
func (c *Catalog) ForSubscription(ctx context.Context, id string, cycle BillingCycle) (*Plan, decimal.Decimal, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if err := RequireActive(p); err != nil {
		return nil, decimal.Zero, err
	}
	amount, err := ResolveAmount(p, cycle)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return p, amount, nil
}
