//go:build integration

package invoices

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/testutil"
)

func TestPostgresStore_NextSequenceIsGapFreeUnderContention(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	const n = 20
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := store.NextSequence(ctx, "INV-202503")
			require.NoError(t, err)
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	got := map[int64]bool{}
	for v := range seen {
		got[v] = true
	}
	assert.Len(t, got, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, got[i], "missing sequence %d", i)
	}

	// Sequences are per key.
	v, err := store.NextSequence(ctx, "INV-202504")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestPostgresStore_StaleWriteLoses(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	inv, err := newTestService(store).CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)

	paying, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	cancelling, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)

	paying.Status = StatusPaid
	paying.PaymentID = "pay_1"
	require.NoError(t, store.Update(ctx, paying))

	cancelling.Status = StatusCancelled
	assert.ErrorIs(t, store.Update(ctx, cancelling), ErrConcurrentUpdate)

	got, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, "pay_1", got.PaymentID)
	assert.Equal(t, int64(2), got.Version)
}
