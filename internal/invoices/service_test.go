package invoices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/subscriptions"
)

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestService(store Store) *Service {
	return NewService(store, Config{
		Prefix:          "INV",
		DefaultCurrency: "INR",
		DefaultTaxRate:  decimal.NewFromInt(18),
		DueDays:         7,
	}, nil).WithClock(func() time.Time { return testNow })
}

func growthSubscription() *subscriptions.Subscription {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &subscriptions.Subscription{
		ID: "sub_1", ClientID: "client_a", PlanID: "plan_growth", PlanCode: "GROWTH", PlanName: "Growth",
		BillingCycle: plans.Monthly, Amount: decimal.NewFromInt(5999), Currency: "INR",
		Status: subscriptions.StatusActive, StartDate: start, EndDate: start.AddDate(0, 1, 0),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeTotals(t *testing.T) {
	items, totals, err := ComputeTotals([]LineItem{
		{Description: "Seats", Quantity: 3, UnitPrice: dec("199.99"), Amount: dec("1")},
		{Description: "Setup", Quantity: 1, UnitPrice: dec("500")},
	}, decimal.NewFromInt(18), "INR")
	require.NoError(t, err)

	assert.Equal(t, "599.97", items[0].Amount.StringFixed(2))
	assert.Equal(t, "1099.97", totals.Subtotal.StringFixed(2))
	assert.Equal(t, "197.99", totals.TaxAmount.StringFixed(2))
	assert.Equal(t, "1297.96", totals.Total.StringFixed(2))
}

func TestComputeTotals_Rejects(t *testing.T) {
	rate := decimal.NewFromInt(18)
	tests := []struct {
		name  string
		items []LineItem
		rate  decimal.Decimal
	}{
		{"no items", nil, rate},
		{"zero quantity", []LineItem{{Description: "x", Quantity: 0, UnitPrice: dec("1")}}, rate},
		{"negative price", []LineItem{{Description: "x", Quantity: 1, UnitPrice: dec("-1")}}, rate},
		{"missing description", []LineItem{{Quantity: 1, UnitPrice: dec("1")}}, rate},
		{"tax over 100", []LineItem{{Description: "x", Quantity: 1, UnitPrice: dec("1")}}, dec("101")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ComputeTotals(tt.items, tt.rate, "INR")
			assert.ErrorIs(t, err, ErrInvalidInvoice)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestCreateForSubscription_TaxAndPaidCannotCancel(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	inv, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, inv.Status)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, "Growth - Monthly", inv.LineItems[0].Description)
	assert.Equal(t, "5999.00", inv.Subtotal.StringFixed(2))
	assert.Equal(t, "1079.82", inv.TaxAmount.StringFixed(2))
	assert.Equal(t, "7078.82", inv.Total.StringFixed(2))
	assert.Equal(t, "INV-202501-000001", inv.Number)
	assert.Equal(t, testNow.AddDate(0, 0, 7), inv.DueDate)
	require.NotNil(t, inv.PeriodStart)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *inv.PeriodStart)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), *inv.PeriodEnd)

	_, err = svc.Send(ctx, inv.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, inv.ID, "pay_1")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, inv.ID, CancelRequest{Reason: "mistake"})
	assert.ErrorIs(t, err, ErrCannotCancelPaidInvoice)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
}

func TestCreateForSubscription_SamePaymentReturnsSameInvoice(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	first, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{PaymentID: "pay_1"})
	require.NoError(t, err)
	second, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{PaymentID: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	byPayment, err := svc.GetByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byPayment.ID)
}

func TestCreate_NumbersAreSequential(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	numbers := map[string]bool{}
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := svc.Create(ctx, CreateRequest{
				ClientID:  "client_a",
				LineItems: []LineItem{{Description: "Consulting", Quantity: 1, UnitPrice: dec("100")}},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers[inv.Number] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, numbers, 25)
	assert.True(t, numbers["INV-202501-000025"])
}

type collidingStore struct {
	*MemoryStore
	mu         sync.Mutex
	collisions int
}

func (c *collidingStore) Create(ctx context.Context, inv *Invoice) error {
	c.mu.Lock()
	if c.collisions > 0 {
		c.collisions--
		c.mu.Unlock()
		return ErrInvoiceNumberTaken
	}
	c.mu.Unlock()
	return c.MemoryStore.Create(ctx, inv)
}

func TestCreate_RetriesNumberCollision(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore(), collisions: 2}
	svc := newTestService(store)

	inv, err := svc.CreateForSubscription(context.Background(), growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "INV-202501-000003", inv.Number)
}

func TestCreate_GivesUpAfterRepeatedCollisions(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore(), collisions: 10}
	svc := newTestService(store)

	_, err := svc.CreateForSubscription(context.Background(), growthSubscription(), SubscriptionOptions{})
	assert.ErrorIs(t, err, ErrInvoiceNumberTaken)
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{ClientID: "", LineItems: []LineItem{{Description: "x", Quantity: 1, UnitPrice: dec("1")}}})
	assert.ErrorIs(t, err, ErrInvalidInvoice)

	_, err = svc.Create(ctx, CreateRequest{ClientID: "c1", Currency: "RUPEES", LineItems: []LineItem{{Description: "x", Quantity: 1, UnitPrice: dec("1")}}})
	assert.ErrorIs(t, err, ErrInvalidInvoice)

	inv, err := svc.Create(ctx, CreateRequest{ClientID: "c1", Currency: "jpy", TaxRate: &decimal.Zero,
		LineItems: []LineItem{{Description: "x", Quantity: 2, UnitPrice: dec("1500")}}})
	require.NoError(t, err)
	assert.Equal(t, "JPY", inv.Currency)
	assert.True(t, inv.Total.Equal(decimal.NewFromInt(3000)))
}

func TestTransitions(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	inv, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)

	// DRAFT cannot be paid.
	_, err = svc.MarkPaid(ctx, inv.ID, "pay_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sent, err := svc.Send(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)

	_, err = svc.Send(ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	paid, err := svc.MarkPaid(ctx, inv.ID, "pay_1")
	require.NoError(t, err)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, "pay_1", paid.PaymentID)

	// Second verification of the same payment is a no-op.
	again, err := svc.MarkPaid(ctx, inv.ID, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, paid.PaidAt, again.PaidAt)

	_, err = svc.Get(ctx, "inv_missing")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestCancel(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	inv, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, inv.ID, CancelRequest{Reason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "duplicate", cancelled.CancelReason)

	again, err := svc.Cancel(ctx, inv.ID, CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, "duplicate", again.CancelReason)

	_, err = svc.Send(ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkOverdue(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	inv, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)
	draft, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)
	_, err = svc.Send(ctx, inv.ID)
	require.NoError(t, err)

	n, err := svc.MarkOverdue(ctx, inv.DueDate)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.MarkOverdue(ctx, inv.DueDate.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := svc.Get(ctx, inv.ID)
	assert.Equal(t, StatusOverdue, got.Status)
	d, _ := svc.Get(ctx, draft.ID)
	assert.Equal(t, StatusDraft, d.Status)

	n, err = svc.MarkOverdue(ctx, inv.DueDate.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Overdue invoices can still be paid.
	paid, err := svc.MarkPaid(ctx, inv.ID, "pay_late")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
}

// lockstepStore holds the first reads back until every caller has read, so
// two service instances both see the same starting status before writing.
type lockstepStore struct {
	*MemoryStore
	mu      sync.Mutex
	parties int
	reads   int
	release chan struct{}
}

func newLockstepStore(store *MemoryStore, parties int) *lockstepStore {
	return &lockstepStore{MemoryStore: store, parties: parties, release: make(chan struct{})}
}

func (l *lockstepStore) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := l.MemoryStore.Get(ctx, id)
	l.mu.Lock()
	l.reads++
	n := l.reads
	if n == l.parties {
		close(l.release)
	}
	l.mu.Unlock()
	if n <= l.parties {
		select {
		case <-l.release:
		case <-time.After(2 * time.Second):
		}
	}
	return inv, err
}

func TestMarkPaidAndCancelAcrossInstances(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	setup := newTestService(base)
	inv, err := setup.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)
	_, err = setup.Send(ctx, inv.ID)
	require.NoError(t, err)

	// Separate services have separate in-process locks, like two replicas.
	shared := newLockstepStore(base, 2)
	a, b := newTestService(shared), newTestService(shared)

	var (
		wg                sync.WaitGroup
		payErr, cancelErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, payErr = a.MarkPaid(ctx, inv.ID, "pay_1")
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = b.Cancel(ctx, inv.ID, CancelRequest{Reason: "client asked"})
	}()
	wg.Wait()

	final, err := base.Get(ctx, inv.ID)
	require.NoError(t, err)
	switch final.Status {
	case StatusPaid:
		assert.NoError(t, payErr)
		assert.ErrorIs(t, cancelErr, ErrCannotCancelPaidInvoice)
		assert.NotNil(t, final.PaidAt)
		assert.Nil(t, final.CancelledAt)
	case StatusCancelled:
		assert.NoError(t, cancelErr)
		assert.ErrorIs(t, payErr, ErrInvalidTransition)
		assert.Nil(t, final.PaidAt)
		assert.Empty(t, final.PaymentID)
	default:
		t.Fatalf("unexpected final status %s", final.Status)
	}
	assert.Equal(t, int64(3), final.Version, "create, send and exactly one winning write")
}

func TestMemoryStore_UpdateRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inv, err := newTestService(store).CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)

	first, _ := store.Get(ctx, inv.ID)
	stale, _ := store.Get(ctx, inv.ID)

	first.Status = StatusSent
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	stale.Status = StatusCancelled
	assert.ErrorIs(t, store.Update(ctx, stale), ErrConcurrentUpdate)

	got, _ := store.Get(ctx, inv.ID)
	assert.Equal(t, StatusSent, got.Status)
}

type recordingPublisher struct {
	kinds []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, payload any) error {
	if n, ok := payload.(outbox.Notification); ok && topic == outbox.TopicNotification {
		p.kinds = append(p.kinds, n.Kind)
	}
	return nil
}

func TestSendPublishesNotification(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(NewMemoryStore()).WithPublisher(pub)
	ctx := context.Background()

	inv, err := svc.CreateForSubscription(ctx, growthSubscription(), SubscriptionOptions{})
	require.NoError(t, err)
	assert.Empty(t, pub.kinds)

	_, err = svc.Send(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{outbox.KindInvoiceIssued}, pub.kinds)
}
