//go:build integration

package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/testutil"
)

func TestPostgresStore_OneLiveSubscriptionPerClient(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	plan := &plans.Plan{
		ID: "plan_pg", Code: "PG", Name: "Postgres", Currency: "INR",
		Prices:   map[plans.BillingCycle]decimal.Decimal{plans.Monthly: decimal.NewFromInt(1999)},
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, plans.NewPostgresStore(db).Create(ctx, plan))

	store := NewPostgresStore(db)
	newSub := func(id string, status Status) *Subscription {
		return &Subscription{
			ID: id, ClientID: "client_pg", PlanID: plan.ID, PlanCode: plan.Code, PlanName: plan.Name,
			BillingCycle: plans.Monthly, Amount: decimal.NewFromInt(1999), Currency: "INR", Status: status,
			StartDate: now, EndDate: plans.Monthly.AddTo(now), CreatedAt: now, UpdatedAt: now,
		}
	}

	require.NoError(t, store.Create(ctx, newSub("sub_pg1", StatusActive)))
	assert.ErrorIs(t, store.Create(ctx, newSub("sub_pg2", StatusTrial)), ErrDuplicateActiveSubscription)
	require.NoError(t, store.Create(ctx, newSub("sub_pg3", StatusCancelled)))

	live, err := store.FindActive(ctx, "client_pg")
	require.NoError(t, err)
	assert.Equal(t, "sub_pg1", live.ID)

	// A stale version loses the conditional update.
	stale := live.Clone()
	live.Status = StatusGracePeriod
	require.NoError(t, store.Update(ctx, live))
	stale.Status = StatusCancelled
	assert.ErrorIs(t, store.Update(ctx, stale), ErrConcurrentUpdate)
}
