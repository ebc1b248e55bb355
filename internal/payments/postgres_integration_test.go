//go:build integration

package payments

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/testutil"
)

func pendingPayment(id, orderID string) *Payment {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Payment{
		ID: id, ClientID: "client_pg", Purpose: PurposeNewSubscription,
		Amount: decimal.NewFromInt(1999), Currency: "INR", Status: StatusPending, Gateway: "fake",
		GatewayOrderID: orderID, Receipt: "rcpt_" + id, CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresStore_MarkCompletedSingleWinner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	require.NoError(t, store.Create(ctx, pendingPayment("pay_pg1", "order_pg1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, won, err := store.MarkCompleted(ctx, "order_pg1", "gw_pg1", time.Now().UTC())
			assert.NoError(t, err)
			assert.Equal(t, StatusCompleted, p.Status)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgresStore_GatewayPaymentIDIsUnique(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	require.NoError(t, store.Create(ctx, pendingPayment("pay_pg2", "order_pg2")))
	require.NoError(t, store.Create(ctx, pendingPayment("pay_pg3", "order_pg3")))
	assert.ErrorIs(t, store.Create(ctx, pendingPayment("pay_pg4", "order_pg2")), ErrDuplicateOrder)

	_, _, err := store.MarkCompleted(ctx, "order_pg2", "gw_shared", time.Now().UTC())
	require.NoError(t, err)
	_, _, err = store.MarkCompleted(ctx, "order_pg3", "gw_shared", time.Now().UTC())
	assert.ErrorIs(t, err, ErrDuplicateGatewayPay)
}
