package plans

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// DefaultPlans is the starter catalog used in in-memory mode.
func DefaultPlans() []CreatePlanRequest {
	return []CreatePlanRequest{
		{
			Code: "STARTER", Name: "Starter",
			Description: "For small teams getting started",
			Prices: map[BillingCycle]decimal.Decimal{
				Monthly:   decimal.NewFromInt(1999),
				Quarterly: decimal.NewFromInt(5499),
				Yearly:    decimal.NewFromInt(19999),
			},
			MaxUsers: 10, StorageQuotaMB: 5 * 1024, TrialDays: 7,
			Features: []string{"guild_core", "email_support"},
		},
		{
			Code: "GROWTH", Name: "Growth",
			Description: "For growing organizations",
			Prices: map[BillingCycle]decimal.Decimal{
				Monthly:   decimal.NewFromInt(5999),
				Quarterly: decimal.NewFromInt(16999),
				Yearly:    decimal.NewFromInt(59999),
			},
			MaxUsers: 50, StorageQuotaMB: 50 * 1024, TrialDays: 14,
			Features: []string{"guild_core", "email_support", "sso", "audit_log"},
		},
		{
			Code: "ENTERPRISE", Name: "Enterprise",
			Description: "Unlimited scale with priority support",
			Prices: map[BillingCycle]decimal.Decimal{
				Yearly: decimal.NewFromInt(249999),
			},
			MaxUsers: 0, StorageQuotaMB: 0,
			Features: []string{"guild_core", "priority_support", "sso", "audit_log", "custom_domain"},
		},
	}
}

// SeedDefaults creates the default plans, skipping codes that already exist.
func (c *Catalog) SeedDefaults(ctx context.Context) error {
	for _, req := range DefaultPlans() {
		if _, err := c.Create(ctx, req); err != nil && !errors.Is(err, ErrPlanCodeTaken) {
			return err
		}
	}
	return nil
}
