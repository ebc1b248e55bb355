// Package notify delivers outbox notifications to the email/notification
// service as signed HTTP webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/guildbill/internal/gateway"
	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/retry"
)

// Headers set on every delivery.
const (
	HeaderSignature = "X-Guildbill-Signature"
	HeaderEvent     = "X-Guildbill-Event"
	HeaderDelivery  = "X-Guildbill-Delivery"
	HeaderTimestamp = "X-Guildbill-Timestamp"
)

const DefaultTimeout = 10 * time.Second

// WebhookSink posts notification events to a single endpoint. The body is
// the event payload as stored in the outbox; HeaderSignature carries the
// hex HMAC-SHA256 of that body under the shared secret.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhookSink creates a sink. An empty secret sends unsigned requests.
func NewWebhookSink(url, secret string, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logger.With(logging.Component("notify")),
		now:    time.Now,
	}
}

// WithHTTPClient replaces the HTTP client.
func (s *WebhookSink) WithHTTPClient(c *http.Client) *WebhookSink {
	s.client = c
	return s
}

// Handle delivers one outbox event. It matches outbox.Handler: a malformed
// payload or a 4xx answer is permanent, anything else is retried by the relay.
func (s *WebhookSink) Handle(ctx context.Context, e *outbox.Event) error {
	var n outbox.Notification
	if err := json.Unmarshal(e.Payload, &n); err != nil {
		sends.WithLabelValues("unknown", "malformed").Inc()
		return retry.Permanent(fmt.Errorf("decode notification %s: %w", e.ID, err))
	}
	if n.Kind == "" {
		sends.WithLabelValues("unknown", "malformed").Inc()
		return retry.Permanent(fmt.Errorf("notification %s has no kind", e.ID))
	}

	err := s.post(ctx, e.ID, n.Kind, e.Payload)
	switch {
	case err == nil:
		sends.WithLabelValues(n.Kind, "delivered").Inc()
		s.logger.Debug("notification delivered", "kind", n.Kind, "event", e.ID, logging.ClientID(n.ClientID))
	case isPermanent(err):
		sends.WithLabelValues(n.Kind, "rejected").Inc()
		s.logger.Warn("notification rejected", "kind", n.Kind, "event", e.ID, "error", err)
	default:
		sends.WithLabelValues(n.Kind, "error").Inc()
	}
	return err
}

func (s *WebhookSink) post(ctx context.Context, deliveryID, kind string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, kind)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(s.now().Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, gateway.SignWebhook(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notification endpoint returned HTTP %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("notification endpoint returned HTTP %d", resp.StatusCode))
	}
}

func isPermanent(err error) bool {
	var pe *retry.PermanentError
	return errors.As(err, &pe)
}
