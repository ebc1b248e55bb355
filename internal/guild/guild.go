// Package guild pushes subscription entitlements to the Guild product.
package guild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/retry"
)

const (
	DefaultTimeout = 3 * time.Second

	// HeaderIdempotencyKey carries the outbox event id so Guild can drop
	// redelivered syncs.
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Client calls the Guild provisioning API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Guild client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(logging.Component("guild")),
	}
}

type entitlementBody struct {
	SubscriptionID string    `json:"subscriptionId"`
	Status         string    `json:"status"`
	PlanCode       string    `json:"planCode"`
	MaxUsers       int       `json:"maxUsers"`
	StorageQuotaMB int       `json:"storageQuotaMb"`
	ValidUntil     time.Time `json:"validUntil"`
	Reason         string    `json:"reason"`
}

// Sync sends one entitlement update:
// PUT {base}/v1/clients/{clientId}/entitlements.
func (c *Client) Sync(ctx context.Context, idempotencyKey string, s outbox.GuildSync) error {
	start := time.Now()
	err := c.put(ctx, idempotencyKey, s)
	observe(s.Reason, start, err)
	if err != nil {
		c.logger.Warn("guild sync failed", logging.ClientID(s.ClientID), logging.SubscriptionID(s.SubscriptionID),
			"reason", s.Reason, "error", err)
		return err
	}
	c.logger.Info("guild entitlements synced", logging.ClientID(s.ClientID), logging.SubscriptionID(s.SubscriptionID),
		"status", s.Status, "plan", s.PlanCode)
	return nil
}

func (c *Client) put(ctx context.Context, idempotencyKey string, s outbox.GuildSync) error {
	if s.ClientID == "" {
		return retry.Permanent(errors.New("guild sync without client id"))
	}
	body, err := json.Marshal(entitlementBody{
		SubscriptionID: s.SubscriptionID,
		Status:         s.Status,
		PlanCode:       s.PlanCode,
		MaxUsers:       s.MaxUsers,
		StorageQuotaMB: s.StorageQuotaMB,
		ValidUntil:     s.ValidUntil,
		Reason:         s.Reason,
	})
	if err != nil {
		return retry.Permanent(err)
	}

	endpoint := c.baseURL + "/v1/clients/" + url.PathEscape(s.ClientID) + "/entitlements"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("guild request: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("guild returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return retry.Permanent(fmt.Errorf("guild returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
}

// Handle decodes a guild.sync outbox event and syncs it. It matches
// outbox.Handler.
func (c *Client) Handle(ctx context.Context, e *outbox.Event) error {
	var s outbox.GuildSync
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return retry.Permanent(fmt.Errorf("decode guild sync %s: %w", e.ID, err))
	}
	return c.Sync(ctx, e.ID, s)
}
