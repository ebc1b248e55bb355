package subscriptions

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r, f
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

type subscriptionBody struct {
	Subscription Subscription `json:"subscription"`
}

func TestHandler_CreateAndFetch(t *testing.T) {
	r, f := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]any{
		"clientId": "client_a", "planId": f.starter.ID, "billingCycle": "monthly", "startTrial": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created subscriptionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, StatusTrial, created.Subscription.Status)

	w = doJSON(r, http.MethodGet, "/v1/subscriptions/"+created.Subscription.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/clients/client_a/subscription", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active subscriptionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, created.Subscription.ID, active.Subscription.ID)

	w = doJSON(r, http.MethodGet, "/v1/clients/client_a/subscriptions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_CreateRejectsBadInput(t *testing.T) {
	r, f := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]any{"clientId": "c1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]any{
		"clientId": "c1", "planId": f.starter.ID, "billingCycle": "WEEKLY",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_billing_cycle")

	w = doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]any{
		"clientId": "bad id!", "planId": f.starter.ID, "billingCycle": "MONTHLY",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_DuplicateIsConflict(t *testing.T) {
	r, f := setupTestRouter(t)

	body := map[string]any{"clientId": "c1", "planId": f.starter.ID, "billingCycle": "MONTHLY"}
	require.Equal(t, http.StatusCreated, doJSON(r, http.MethodPost, "/v1/subscriptions", body).Code)

	body["planId"] = f.growth.ID
	w := doJSON(r, http.MethodPost, "/v1/subscriptions", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate_active_subscription")
}

func TestHandler_Lifecycle(t *testing.T) {
	r, f := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]any{
		"clientId": "c1", "planId": f.starter.ID, "billingCycle": "MONTHLY", "startTrial": true,
	})
	var created subscriptionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	base := "/v1/subscriptions/" + created.Subscription.ID

	w = doJSON(r, http.MethodPost, base+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ACTIVE"`)

	w = doJSON(r, http.MethodPost, base+"/renew", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, base+"/change-plan", map[string]any{"planId": f.growth.ID, "billingCycle": "YEARLY"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"planCode":"GROWTH"`)

	w = doJSON(r, http.MethodPost, base+"/cancel", map[string]any{"reason": "budget"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"CANCELLED"`)

	w = doJSON(r, http.MethodPost, base+"/activate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "subscription_cancelled")
}

func TestHandler_NotFoundAndBadID(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/subscriptions/sub_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/clients/nobody/subscription", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no_active_subscription")

	w = doJSON(r, http.MethodPost, "/v1/subscriptions/-bad/renew", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
