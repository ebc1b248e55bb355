package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/payments"
	"github.com/mbd888/guildbill/internal/reconciliation"
	"github.com/mbd888/guildbill/internal/subscriptions"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSweeper struct {
	calledAt time.Time
	res      subscriptions.SweepResult
}

func (s *stubSweeper) Sweep(_ context.Context, now time.Time) (subscriptions.SweepResult, error) {
	s.calledAt = now
	return s.res, nil
}

type stubOverdue struct{ err error }

func (s stubOverdue) MarkOverdue(context.Context, time.Time) (int, error) { return 3, s.err }

type stubRunner struct{ err error }

func (s stubRunner) RunPending(context.Context) (*reconciliation.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &reconciliation.Report{Checked: 2, Reconciled: 2, RanAt: fixedNow}, nil
}

func setupRouter(secret string, h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1/admin")
	g.Use(RequireSecret(secret))
	h.WithClock(func() time.Time { return fixedNow }).RegisterRoutes(g)
	return r
}

func do(r *gin.Engine, method, path, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if secret != "" {
		req.Header.Set(HeaderSecret, secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireSecret(t *testing.T) {
	r := setupRouter("supersecret123", NewHandler().WithSubscriptions(&stubSweeper{}))

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/v1/admin/subscriptions/sweep", "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/v1/admin/subscriptions/sweep", "wrongsecret").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/admin/subscriptions/sweep", "supersecret123").Code)
}

func TestRequireSecret_EmptySecretIsOpen(t *testing.T) {
	r := setupRouter("", NewHandler().WithSubscriptions(&stubSweeper{}))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/admin/subscriptions/sweep", "").Code)
}

func TestHandler_UnconfiguredRoutes(t *testing.T) {
	r := setupRouter("", NewHandler())

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/admin/subscriptions/sweep"},
		{http.MethodPost, "/v1/admin/invoices/mark-overdue"},
		{http.MethodPost, "/v1/admin/reconcile"},
		{http.MethodGet, "/v1/admin/payments/unreconciled"},
		{http.MethodGet, "/v1/admin/outbox/dead"},
	} {
		assert.Equal(t, http.StatusServiceUnavailable, do(r, tc.method, tc.path, "").Code, tc.path)
	}
}

func TestHandler_Sweeps(t *testing.T) {
	sweeper := &stubSweeper{res: subscriptions.SweepResult{Scanned: 4, ToGrace: 1, Expired: 2, TrialsEnded: 1}}
	r := setupRouter("", NewHandler().WithSubscriptions(sweeper).WithInvoices(stubOverdue{}))

	w := do(r, http.MethodPost, "/v1/admin/subscriptions/sweep", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"toGrace":1`)
	assert.Equal(t, fixedNow, sweeper.calledAt)

	w = do(r, http.MethodPost, "/v1/admin/invoices/mark-overdue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"marked":3}`, w.Body.String())
}

func TestHandler_OverdueFailure(t *testing.T) {
	r := setupRouter("", NewHandler().WithInvoices(stubOverdue{err: errors.New("db down")}))

	w := do(r, http.MethodPost, "/v1/admin/invoices/mark-overdue", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "overdue_sweep_failed")
}

func TestHandler_Reconcile(t *testing.T) {
	r := setupRouter("", NewHandler().WithReconciler(stubRunner{}))
	w := do(r, http.MethodPost, "/v1/admin/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reconciled":2`)

	r = setupRouter("", NewHandler().WithReconciler(stubRunner{err: errors.New("boom")}))
	w = do(r, http.MethodPost, "/v1/admin/reconcile", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_ListUnreconciled(t *testing.T) {
	store := payments.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &payments.Payment{
		ID: "pay_1", ClientID: "client_a", Purpose: payments.PurposeNewSubscription,
		Amount: decimal.NewFromInt(1999), Currency: "INR", Status: payments.StatusPending,
		Gateway: "fake", GatewayOrderID: "order_1", CreatedAt: fixedNow.Add(-time.Hour),
	}))
	_, won, err := store.MarkCompleted(ctx, "order_1", "gwpay_1", fixedNow.Add(-30*time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	r := setupRouter("", NewHandler().WithPayments(store))

	w := do(r, http.MethodGet, "/v1/admin/payments/unreconciled", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"gatewayPaymentId":"gwpay_1"`)

	w = do(r, http.MethodGet, "/v1/admin/payments/unreconciled?before=2025-03-01T11:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = do(r, http.MethodGet, "/v1/admin/payments/unreconciled?before=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListDeadEvents(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()
	pub := outbox.NewPublisher(store)
	require.NoError(t, pub.Publish(ctx, outbox.TopicGuildSync, "client_a", outbox.GuildSync{ClientID: "client_a"}))
	require.NoError(t, pub.Publish(ctx, outbox.TopicNotification, "client_a", outbox.Notification{Kind: "trial_started"}))

	pending, err := store.ListByStatus(ctx, outbox.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, store.MarkFailed(ctx, pending[0].ID, 8, fixedNow, "HTTP 400", true))

	r := setupRouter("", NewHandler().WithOutbox(store))
	w := do(r, http.MethodGet, "/v1/admin/outbox/dead?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "HTTP 400")
}
