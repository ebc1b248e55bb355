package payments

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/apperr"
	"github.com/mbd888/guildbill/internal/gateway"
	"github.com/mbd888/guildbill/internal/idgen"
	"github.com/mbd888/guildbill/internal/invoices"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/subscriptions"
)

const testSecret = "test_gateway_secret"

type countingReconciler struct {
	reconciles atomic.Int32
	describes  atomic.Int32
	err        error
}

func (r *countingReconciler) Reconcile(_ context.Context, p *Payment) (*Result, error) {
	r.reconciles.Add(1)
	return &Result{Payment: ViewOf(p)}, r.err
}

func (r *countingReconciler) Describe(_ context.Context, p *Payment) (*Result, error) {
	r.describes.Add(1)
	return &Result{Payment: ViewOf(p)}, nil
}

type onceRecord struct {
	topic, key, dedup string
	payload           any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []onceRecord
	seen   map[string]bool
}

func (p *recordingPublisher) PublishOnce(_ context.Context, topic, key, dedupKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	if p.seen[dedupKey] {
		return nil
	}
	p.seen[dedupKey] = true
	p.events = append(p.events, onceRecord{topic: topic, key: key, dedup: dedupKey, payload: payload})
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if n, ok := e.payload.(outbox.Notification); ok {
			out = append(out, n.Kind)
		}
	}
	return out
}

type fixture struct {
	svc        *Service
	store      *MemoryStore
	gw         *gateway.FakeClient
	subs       *subscriptions.Service
	invoices   *invoices.Service
	reconciler *countingReconciler
	events     *recordingPublisher
	starter    *plans.Plan
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	catalog := plans.NewCatalog(plans.NewMemoryStore(), "INR", nil)
	require.NoError(t, catalog.SeedDefaults(ctx))
	starter, err := catalog.GetByCode(ctx, "STARTER")
	require.NoError(t, err)

	f := &fixture{
		store:      NewMemoryStore(),
		gw:         gateway.NewFakeClient(testSecret),
		subs:       subscriptions.NewService(subscriptions.NewMemoryStore(), catalog, nil),
		reconciler: &countingReconciler{},
		events:     &recordingPublisher{},
		starter:    starter,
		clock:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.invoices = invoices.NewService(invoices.NewMemoryStore(), invoices.Config{DefaultTaxRate: decimal.NewFromInt(18), DueDays: 7}, nil)
	f.svc = NewService(f.store, f.gw, catalog, f.subs, f.invoices, nil).
		WithReconciler(f.reconciler).
		WithPublisher(f.events).
		WithClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) checkout(t *testing.T, clientID string) *OrderDescriptor {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), CheckoutRequest{
		ClientID: clientID, PlanID: f.starter.ID, BillingCycle: plans.Monthly,
	})
	require.NoError(t, err)
	return order
}

func TestCreateOrder_DescriptorInMinorUnits(t *testing.T) {
	f := newFixture(t)

	order := f.checkout(t, "client_a")

	assert.Equal(t, int64(199900), order.Amount)
	assert.Equal(t, "INR", order.Currency)
	assert.Equal(t, "fake_key", order.GatewayKey)
	assert.NotEmpty(t, order.OrderID)

	p, err := f.store.Get(context.Background(), order.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, PurposeNewSubscription, p.Purpose)
	assert.Equal(t, order.OrderID, p.GatewayOrderID)
	assert.Equal(t, "Starter - Monthly", p.Description)
	assert.True(t, decimal.NewFromInt(1999).Equal(p.Amount))
	assert.LessOrEqual(t, len(p.Receipt), idgen.MaxReceiptLen)

	gwOrder, ok := f.gw.Order(order.OrderID)
	require.True(t, ok)
	assert.Equal(t, p.Receipt, gwOrder.Receipt)
}

func TestCreateOrder_RejectsClientWithActiveSubscription(t *testing.T) {
	f := newFixture(t)
	_, err := f.subs.Create(context.Background(), subscriptions.CreateRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: plans.Monthly,
	})
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(context.Background(), CheckoutRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: plans.Monthly,
	})
	assert.ErrorIs(t, err, subscriptions.ErrDuplicateActiveSubscription)
}

func TestCreateOrder_TrialClientMayBuy(t *testing.T) {
	f := newFixture(t)
	_, err := f.subs.Create(context.Background(), subscriptions.CreateRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: plans.Monthly, StartTrial: true,
	})
	require.NoError(t, err)

	order := f.checkout(t, "client_a")
	assert.NotEmpty(t, order.OrderID)
}

func TestCreateOrder_GatewayFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.gw.FailOrders(gateway.ErrUpstream)

	_, err := f.svc.CreateOrder(context.Background(), CheckoutRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: plans.Monthly,
	})
	require.ErrorIs(t, err, gateway.ErrUpstream)

	list, err := f.store.ListByClient(context.Background(), "client_a", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateOrder_UnknownCycle(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CheckoutRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: "WEEKLY",
	})
	assert.ErrorIs(t, err, plans.ErrInvalidBillingCycle)
}

func TestCreateRenewalOrder_UsesFrozenAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.subs.Create(ctx, subscriptions.CreateRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: plans.Quarterly,
	})
	require.NoError(t, err)

	order, err := f.svc.CreateRenewalOrder(ctx, sub.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(549900), order.Amount)

	p, err := f.store.Get(ctx, order.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, PurposeRenewal, p.Purpose)
	assert.Equal(t, sub.ID, p.SubscriptionID)
}

func TestCreateRenewalOrder_CancelledSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.subs.Create(ctx, subscriptions.CreateRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: plans.Monthly,
	})
	require.NoError(t, err)
	_, err = f.subs.Cancel(ctx, sub.ID, subscriptions.CancelRequest{})
	require.NoError(t, err)

	_, err = f.svc.CreateRenewalOrder(ctx, sub.ID, "")
	assert.ErrorIs(t, err, subscriptions.ErrAlreadyCancelled)
}

func TestCreateInvoiceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, err := f.invoices.Create(ctx, invoices.CreateRequest{
		ClientID: "client_a",
		LineItems: []invoices.LineItem{{
			Description: "Onboarding", Quantity: 1, UnitPrice: decimal.NewFromInt(1000),
		}},
	})
	require.NoError(t, err)

	order, err := f.svc.CreateInvoiceOrder(ctx, inv.ID, "")
	require.NoError(t, err)
	// 1000 + 18% tax
	assert.Equal(t, int64(118000), order.Amount)

	_, err = f.invoices.Cancel(ctx, inv.ID, invoices.CancelRequest{})
	require.NoError(t, err)
	_, err = f.svc.CreateInvoiceOrder(ctx, inv.ID, "")
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
}

func TestVerifyAndProcess_CompletesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	payID, sig := f.gw.Pay(order.OrderID)

	res, err := f.svc.VerifyAndProcess(ctx, VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Payment.Status)
	assert.Equal(t, payID, res.Payment.GatewayPaymentID)
	assert.False(t, res.Replayed)

	p, err := f.store.Get(ctx, order.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, f.clock, *p.PaidAt)
	assert.True(t, p.SignatureVerified)

	again, err := f.svc.VerifyAndProcess(ctx, VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: sig})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int32(1), f.reconciler.reconciles.Load())
	assert.Equal(t, int32(1), f.reconciler.describes.Load())
}

func TestVerifyAndProcess_BadSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	payID, sig := f.gw.Pay(order.OrderID)

	tampered := []byte(sig)
	tampered[0] ^= 1
	_, err := f.svc.VerifyAndProcess(ctx, VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: string(tampered)})
	require.ErrorIs(t, err, gateway.ErrInvalidSignature)

	p, err := f.store.Get(ctx, order.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Zero(t, f.reconciler.reconciles.Load())
}

func TestVerifyAndProcess_UnknownOrderLooksLikeBadSignature(t *testing.T) {
	f := newFixture(t)
	payID, sig := f.gw.Pay("order_unknown")

	_, err := f.svc.VerifyAndProcess(context.Background(), VerifyRequest{OrderID: "order_unknown", PaymentID: payID, Signature: sig})
	require.ErrorIs(t, err, ErrUnknownOrder)
	assert.Equal(t, apperr.Code(gateway.ErrInvalidSignature), apperr.Code(err))
}

func TestVerifyAndProcess_ConcurrentCallsReconcileOnce(t *testing.T) {
	f := newFixture(t)
	order := f.checkout(t, "client_a")
	payID, sig := f.gw.Pay(order.OrderID)

	const callers = 16
	var (
		wg       sync.WaitGroup
		replayed atomic.Int32
		errs     atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.VerifyAndProcess(context.Background(), VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: sig})
			if err != nil {
				errs.Add(1)
				return
			}
			if res.Replayed {
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, errs.Load())
	assert.Equal(t, int32(1), f.reconciler.reconciles.Load())
	assert.Equal(t, int32(callers-1), replayed.Load())
}

func TestVerifyAndProcess_ReconcileErrorStillReturnsResult(t *testing.T) {
	f := newFixture(t)
	f.reconciler.err = errors.New("invoice store down")
	order := f.checkout(t, "client_a")
	payID, sig := f.gw.Pay(order.OrderID)

	res, err := f.svc.VerifyAndProcess(context.Background(), VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Payment.Status)
}

func TestHandleFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")

	p, err := f.svc.HandleFailure(ctx, FailureRequest{OrderID: order.OrderID, Code: "CARD_DECLINED", Description: "insufficient funds"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "insufficient funds", p.FailureReason)
	assert.Equal(t, []string{outbox.KindPaymentFailed}, f.events.kinds())

	// repeat is a no-op
	_, err = f.svc.HandleFailure(ctx, FailureRequest{OrderID: order.OrderID, Code: "CARD_DECLINED"})
	require.NoError(t, err)
	assert.Len(t, f.events.kinds(), 1)

	_, err = f.svc.HandleFailure(ctx, FailureRequest{OrderID: "order_missing"})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestHandleFailure_LeavesSubscriptionAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.subs.Create(ctx, subscriptions.CreateRequest{
		ClientID: "client_a", PlanID: f.starter.ID, BillingCycle: plans.Monthly, StartTrial: true,
	})
	require.NoError(t, err)
	order := f.checkout(t, "client_a")

	_, err = f.svc.HandleFailure(ctx, FailureRequest{OrderID: order.OrderID, Code: "DECLINED"})
	require.NoError(t, err)

	after, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.StatusTrial, after.Status)
	assert.Equal(t, sub.Version, after.Version)
}

func TestHandleFailure_AfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	payID, sig := f.gw.Pay(order.OrderID)
	_, err := f.svc.VerifyAndProcess(ctx, VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: sig})
	require.NoError(t, err)

	_, err = f.svc.HandleFailure(ctx, FailureRequest{OrderID: order.OrderID, Code: "LATE"})
	assert.ErrorIs(t, err, ErrPaymentAlreadyComplete)
}

func TestVerifyAndProcess_AfterFailedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	_, err := f.svc.HandleFailure(ctx, FailureRequest{OrderID: order.OrderID, Code: "DECLINED"})
	require.NoError(t, err)

	payID, sig := f.gw.Pay(order.OrderID)
	res, err := f.svc.VerifyAndProcess(ctx, VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Payment.Status)

	p, err := f.store.Get(ctx, order.PaymentID)
	require.NoError(t, err)
	assert.Empty(t, p.FailureCode)
}

func TestProcessWebhook_CapturedThenRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	body, sig := f.gw.Webhook("evt_1", "payment.captured", order.OrderID, "pay_gw_1", order.Amount, "INR")

	out, err := f.svc.ProcessWebhook(ctx, body, sig, "")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", out.EventID)
	assert.Equal(t, EventProcessed, out.Status)
	assert.False(t, out.Duplicate)

	again, err := f.svc.ProcessWebhook(ctx, body, sig, "")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, EventProcessed, again.Status)
	assert.Equal(t, int32(1), f.reconciler.reconciles.Load())

	ev, err := f.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, order.OrderID, ev.OrderID)
}

func TestProcessWebhook_AfterCallbackIsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	payID, sig := f.gw.Pay(order.OrderID)
	_, err := f.svc.VerifyAndProcess(ctx, VerifyRequest{OrderID: order.OrderID, PaymentID: payID, Signature: sig})
	require.NoError(t, err)

	body, whSig := f.gw.Webhook("evt_2", "payment.captured", order.OrderID, payID, order.Amount, "INR")
	out, err := f.svc.ProcessWebhook(ctx, body, whSig, "")
	require.NoError(t, err)
	assert.Equal(t, EventProcessed, out.Status)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Replayed)
	assert.Equal(t, int32(1), f.reconciler.reconciles.Load())
}

func TestProcessWebhook_BadSignatureNotRecorded(t *testing.T) {
	f := newFixture(t)
	order := f.checkout(t, "client_a")
	body, _ := f.gw.Webhook("evt_3", "payment.captured", order.OrderID, "pay_gw_3", order.Amount, "INR")

	_, err := f.svc.ProcessWebhook(context.Background(), body, "deadbeef", "")
	require.ErrorIs(t, err, gateway.ErrInvalidSignature)

	_, err = f.store.GetWebhookEvent(context.Background(), "evt_3")
	assert.ErrorIs(t, err, ErrWebhookEventNotFound)
}

func TestProcessWebhook_UnknownOrderIgnored(t *testing.T) {
	f := newFixture(t)
	body, sig := f.gw.Webhook("evt_4", "payment.captured", "order_elsewhere", "pay_gw_4", 100, "INR")

	out, err := f.svc.ProcessWebhook(context.Background(), body, sig, "")
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, out.Status)
	assert.Zero(t, f.reconciler.reconciles.Load())
}

func TestProcessWebhook_FailedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	body, sig := f.gw.Webhook("evt_5", "payment.failed", order.OrderID, "pay_gw_5", order.Amount, "INR")

	out, err := f.svc.ProcessWebhook(ctx, body, sig, "")
	require.NoError(t, err)
	assert.Equal(t, EventProcessed, out.Status)

	p, err := f.store.GetByOrderID(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "payment declined", p.FailureReason)
}

func TestProcessWebhook_HeaderEventIDWins(t *testing.T) {
	f := newFixture(t)
	order := f.checkout(t, "client_a")
	body, sig := f.gw.Webhook("evt_body", "payment.captured", order.OrderID, "pay_gw_6", order.Amount, "INR")

	out, err := f.svc.ProcessWebhook(context.Background(), body, sig, "evt_header")
	require.NoError(t, err)
	assert.Equal(t, "evt_header", out.EventID)
}

func TestProcessWebhook_BodyHashWhenNoEventID(t *testing.T) {
	f := newFixture(t)
	order := f.checkout(t, "client_a")
	body, sig := f.gw.Webhook("", "payment.captured", order.OrderID, "pay_gw_7", order.Amount, "INR")

	first, err := f.svc.ProcessWebhook(context.Background(), body, sig, "")
	require.NoError(t, err)
	second, err := f.svc.ProcessWebhook(context.Background(), body, sig, "")
	require.NoError(t, err)
	assert.Equal(t, first.EventID, second.EventID)
	assert.True(t, second.Duplicate)
}

func TestProcessWebhook_FailedEventIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, "client_a")
	body, sig := f.gw.Webhook("evt_8", "payment.captured", order.OrderID, "pay_gw_8", order.Amount, "INR")

	_, inserted, err := f.store.RecordWebhookEvent(ctx, &WebhookEvent{ID: "evt_8", Gateway: "fake", Status: EventReceived, ReceivedAt: f.clock})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, f.store.FinishWebhookEvent(ctx, "evt_8", EventFailed, "db timeout", f.clock))

	out, err := f.svc.ProcessWebhook(ctx, body, sig, "")
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, EventProcessed, out.Status)

	ev, err := f.store.GetWebhookEvent(ctx, "evt_8")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Attempts)
	assert.Empty(t, ev.LastError)
}
