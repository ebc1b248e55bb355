package invoices

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/subscriptions"
)

type stubSubscriptions map[string]*subscriptions.Subscription

func (s stubSubscriptions) Get(_ context.Context, id string) (*subscriptions.Subscription, error) {
	if sub, ok := s[id]; ok {
		return sub, nil
	}
	return nil, subscriptions.ErrSubscriptionNotFound
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService(NewMemoryStore())
	sub := growthSubscription()

	r := gin.New()
	NewHandler(svc, stubSubscriptions{sub.ID: sub}).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SubscriptionInvoiceLifecycle(t *testing.T) {
	r := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/subscriptions/sub_1/invoices", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Invoice Invoice `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "7078.82", body.Invoice.Total.StringFixed(2))
	id := body.Invoice.ID

	w = doJSON(r, http.MethodPost, "/v1/invoices/"+id+"/send", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/invoices/"+id+"/pay", map[string]string{"paymentId": "pay_offline_1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PAID"`)

	w = doJSON(r, http.MethodPost, "/v1/invoices/"+id+"/cancel", map[string]string{"reason": "oops"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "cannot_cancel_paid_invoice")

	w = doJSON(r, http.MethodGet, "/v1/clients/client_a/invoices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_CreateAdHocIgnoresCallerTotals(t *testing.T) {
	r := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/invoices", map[string]any{
		"clientId": "client_b",
		"taxRate":  "0",
		"lineItems": []map[string]any{
			{"description": "Training", "quantity": 2, "unitPrice": "2500", "amount": "1"},
		},
		"total": "1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Invoice Invoice `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "5000.00", body.Invoice.Total.StringFixed(2))
	assert.Equal(t, "5000.00", body.Invoice.LineItems[0].Amount.StringFixed(2))
}

func TestHandler_Errors(t *testing.T) {
	r := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/subscriptions/sub_missing/invoices", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/invoices/inv_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/invoices", map[string]any{"clientId": "c1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/invoices", map[string]any{
		"clientId": "c1", "lineItems": []map[string]any{{"description": "x", "quantity": 0, "unitPrice": "1"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_invoice")
}
