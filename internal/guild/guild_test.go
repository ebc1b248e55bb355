package guild

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/retry"
)

var validUntil = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func syncEvent(t *testing.T) *outbox.Event {
	t.Helper()
	payload, err := json.Marshal(outbox.GuildSync{
		ClientID:       "client a",
		SubscriptionID: "sub_1",
		Status:         "ACTIVE",
		PlanCode:       "STARTER",
		MaxUsers:       5,
		StorageQuotaMB: 1024,
		ValidUntil:     validUntil,
		Reason:         outbox.KindSubscriptionActivated,
	})
	require.NoError(t, err)
	return &outbox.Event{ID: "evt_9", Topic: outbox.TopicGuildSync, Payload: payload}
}

type captured struct {
	method, path, auth, idemKey string
	body                        entitlementBody
}

func TestClient_Sync(t *testing.T) {
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{
			method:  r.Method,
			path:    r.URL.EscapedPath(),
			auth:    r.Header.Get("Authorization"),
			idemKey: r.Header.Get(HeaderIdempotencyKey),
		}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		seen <- c
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "guild_key", 0, nil)
	require.NoError(t, c.Handle(context.Background(), syncEvent(t)))

	got := <-seen
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/v1/clients/client%20a/entitlements", got.path)
	assert.Equal(t, "Bearer guild_key", got.auth)
	assert.Equal(t, "evt_9", got.idemKey)
	assert.Equal(t, "STARTER", got.body.PlanCode)
	assert.Equal(t, 5, got.body.MaxUsers)
	assert.True(t, validUntil.Equal(got.body.ValidUntil))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		err := NewClient(srv.URL, "k", time.Second, nil).Handle(context.Background(), syncEvent(t))
		srv.Close()

		require.Error(t, err)
		var pe *retry.PermanentError
		assert.Equal(t, tt.permanent, errors.As(err, &pe), "HTTP %d", tt.status)
		assert.Contains(t, err.Error(), "nope")
	}
}

func TestClient_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewClient(srv.URL, "k", 50*time.Millisecond, nil).Handle(context.Background(), syncEvent(t))
	require.Error(t, err)
	var pe *retry.PermanentError
	assert.False(t, errors.As(err, &pe))
}

func TestClient_RejectsBadPayload(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "k", 0, nil)

	err := c.Handle(context.Background(), &outbox.Event{ID: "evt_x", Payload: []byte(`[`)})
	var pe *retry.PermanentError
	assert.True(t, errors.As(err, &pe))

	err = c.Handle(context.Background(), &outbox.Event{ID: "evt_y", Payload: []byte(`{"status":"ACTIVE"}`)})
	assert.True(t, errors.As(err, &pe))
}
