package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/retry"
)

func testRelay(store Store) *Relay {
	cfg := DefaultRelayConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return NewRelay(store, cfg, nil)
}

func TestPublishOnce_Dedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := NewPublisher(store)

	n := Notification{Kind: KindPaymentReceived, ClientID: "c1", PaymentID: "pay_1"}
	require.NoError(t, pub.PublishOnce(ctx, TopicNotification, "c1", "pay_1:received", n))
	require.NoError(t, pub.PublishOnce(ctx, TopicNotification, "c1", "pay_1:received", n))

	pending, err := store.ListByStatus(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var got Notification
	require.NoError(t, json.Unmarshal(pending[0].Payload, &got))
	assert.Equal(t, KindPaymentReceived, got.Kind)
	assert.Equal(t, "pay_1", got.PaymentID)
}

func TestRelay_Delivers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := NewPublisher(store)
	r := testRelay(store)

	var seen []string
	r.Register(TopicGuildSync, func(_ context.Context, e *Event) error {
		seen = append(seen, e.Key)
		return nil
	})

	require.NoError(t, pub.Publish(ctx, TopicGuildSync, "c1", GuildSync{ClientID: "c1", Status: "ACTIVE"}))
	require.NoError(t, pub.Publish(ctx, TopicGuildSync, "c2", GuildSync{ClientID: "c2", Status: "EXPIRED"}))

	delivered, failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, failed)
	assert.ElementsMatch(t, []string{"c1", "c2"}, seen)

	done, err := store.ListByStatus(ctx, StatusDelivered, 10)
	require.NoError(t, err)
	assert.Len(t, done, 2)

	// Nothing left to deliver.
	delivered, _, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestRelay_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := NewPublisher(store)
	r := testRelay(store)

	clock := time.Now()
	r.now = func() time.Time { return clock }

	var calls int32
	r.Register(TopicNotification, func(context.Context, *Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("connection refused")
	})
	pub.now = func() time.Time { return clock }
	require.NoError(t, pub.Publish(ctx, TopicNotification, "c1", Notification{Kind: KindTrialStarted}))

	for i := 0; i < 3; i++ {
		_, failed, err := r.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
		clock = clock.Add(time.Hour)
	}

	dead, err := store.ListByStatus(ctx, StatusDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "connection refused", dead[0].LastError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRelay_PermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := NewPublisher(store)
	r := testRelay(store)

	r.Register(TopicNotification, func(context.Context, *Event) error {
		return retry.Permanent(errors.New("receiver rejected payload: 400"))
	})
	require.NoError(t, pub.Publish(ctx, TopicNotification, "c1", Notification{Kind: KindInvoiceIssued}))

	_, failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	dead, err := store.ListByStatus(ctx, StatusDead, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRelay_UnknownTopicIsDead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := testRelay(store)

	require.NoError(t, NewPublisher(store).Publish(ctx, "audit", "k", map[string]string{"a": "b"}))
	_, failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	dead, _ := store.ListByStatus(ctx, StatusDead, 10)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "no handler")
}

func TestRelay_ClaimLeaseHidesInFlight(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, NewPublisher(store).Publish(ctx, TopicGuildSync, "c1", GuildSync{ClientID: "c1"}))

	now := time.Now().Add(time.Second)
	first, err := store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	third, err := store.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestRelay_StartStop(t *testing.T) {
	store := NewMemoryStore()
	r := testRelay(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.False(t, r.Running())
}
