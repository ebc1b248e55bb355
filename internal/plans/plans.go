// Package plans holds the pricing catalog subscriptions are priced from.
//
// A plan carries one price per billing cycle. Subscriptions copy the price
// out at creation or renewal time (ResolveAmount) so later catalog edits
// never reach existing subscriptions.
package plans

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/shopspring/decimal"
)

var (
	ErrPlanNotFound        = apperr.New(apperr.ErrNotFound, "plan_not_found", "plan not found")
	ErrPlanCodeTaken       = apperr.New(apperr.ErrDuplicate, "plan_code_taken", "plan code already exists")
	ErrInvalidBillingCycle = apperr.New(apperr.ErrValidation, "invalid_billing_cycle", "plan has no price for this billing cycle")
	ErrPlanInactive        = apperr.New(apperr.ErrValidation, "plan_inactive", "plan is not available for new subscriptions")
	ErrInvalidPlan         = apperr.New(apperr.ErrValidation, "invalid_plan", "invalid plan")
)

// BillingCycle is the recurrence period a subscription is billed on.
type BillingCycle string

const (
	Monthly   BillingCycle = "MONTHLY"
	Quarterly BillingCycle = "QUARTERLY"
	Yearly    BillingCycle = "YEARLY"
)

// Cycles lists every billing cycle in display order.
var Cycles = []BillingCycle{Monthly, Quarterly, Yearly}

// ParseCycle normalizes s into a BillingCycle.
func ParseCycle(s string) (BillingCycle, error) {
	c := BillingCycle(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown billing cycle %q", ErrInvalidBillingCycle, s)
	}
	return c, nil
}

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	return c.Months() > 0
}

// Months returns the cycle length in calendar months, 0 if unknown.
func (c BillingCycle) Months() int {
	switch c {
	case Monthly:
		return 1
	case Quarterly:
		return 3
	case Yearly:
		return 12
	default:
		return 0
	}
}

// Label is the human-readable cycle name used on invoices.
func (c BillingCycle) Label() string {
	switch c {
	case Monthly:
		return "Monthly"
	case Quarterly:
		return "Quarterly"
	case Yearly:
		return "Yearly"
	default:
		return string(c)
	}
}

// AddTo advances t by one cycle. The day of month is clamped to the last
// day of the target month, so Jan 31 + 1 month is Feb 28 (or 29).
func (c BillingCycle) AddTo(t time.Time) time.Time {
	return AddMonths(t, c.Months())
}

// AddMonths adds n calendar months to t with end-of-month clamping.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	last := daysIn(y, m+time.Month(n), t.Location())
	if d > last {
		d = last
	}
	return time.Date(y, m+time.Month(n), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Plan is a catalog entry.
type Plan struct {
	ID             string                           `json:"id"`
	Code           string                           `json:"code"`
	Name           string                           `json:"name"`
	Description    string                           `json:"description,omitempty"`
	Prices         map[BillingCycle]decimal.Decimal `json:"prices"`
	Currency       string                           `json:"currency"`
	MaxUsers       int                              `json:"maxUsers"`
	StorageQuotaMB int                              `json:"storageQuotaMb"`
	Features       []string                         `json:"features"`
	TrialDays      int                              `json:"trialDays"`
	IsActive       bool                             `json:"isActive"`
	CreatedAt      time.Time                        `json:"createdAt"`
	UpdatedAt      time.Time                        `json:"updatedAt"`
}

// Clone returns a deep copy so cached plans are never mutated by callers.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Prices = make(map[BillingCycle]decimal.Decimal, len(p.Prices))
	for k, v := range p.Prices {
		cp.Prices[k] = v
	}
	cp.Features = append([]string(nil), p.Features...)
	return &cp
}

// ResolveAmount returns the plan's price for cycle. It is a pure lookup.
func ResolveAmount(p *Plan, cycle BillingCycle) (decimal.Decimal, error) {
	if !cycle.Valid() {
		return decimal.Zero, fmt.Errorf("%w: unknown billing cycle %q", ErrInvalidBillingCycle, cycle)
	}
	price, ok := p.Prices[cycle]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s has no %s price", ErrInvalidBillingCycle, p.Code, cycle)
	}
	return price, nil
}

// RequireActive fails for plans that cannot start new subscriptions.
func RequireActive(p *Plan) error {
	if !p.IsActive {
		return fmt.Errorf("%w: %s", ErrPlanInactive, p.Code)
	}
	return nil
}

var codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,31}$`)

// Validate checks a plan's fields before it is stored.
func (p *Plan) Validate() error {
	switch {
	case !codePattern.MatchString(p.Code):
		return fmt.Errorf("%w: code must be 2-32 uppercase letters, digits or underscores", ErrInvalidPlan)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPlan)
	case len(p.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidPlan)
	case len(p.Prices) == 0:
		return fmt.Errorf("%w: at least one price is required", ErrInvalidPlan)
	case p.MaxUsers < 0 || p.StorageQuotaMB < 0:
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidPlan)
	case p.TrialDays < 0 || p.TrialDays > 90:
		return fmt.Errorf("%w: trialDays must be between 0 and 90", ErrInvalidPlan)
	}
	for cycle, price := range p.Prices {
		if !cycle.Valid() {
			return fmt.Errorf("%w: unknown billing cycle %q", ErrInvalidPlan, cycle)
		}
		if !price.IsPositive() {
			return fmt.Errorf("%w: %s price must be positive", ErrInvalidPlan, cycle)
		}
	}
	return nil
}
