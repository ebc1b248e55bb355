package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/guildbill/internal/circuitbreaker"
	"github.com/mbd888/guildbill/internal/retry"
)

const (
	maxResponseSize    = 1 << 20 // 1MB
	DefaultHTTPTimeout = 10 * time.Second
)

// OrdersConfig configures an OrdersClient.
type OrdersConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
}

// OrdersClient speaks to an orders-style REST processor: orders are created
// with POST /v1/orders under basic auth, captured payments are proven by an
// HMAC over "orderId|paymentId", and webhooks carry an HMAC of the raw body.
type OrdersClient struct {
	cfg     OrdersConfig
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewOrdersClient creates an orders API client.
func NewOrdersClient(cfg OrdersConfig, logger *slog.Logger) *OrdersClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OrdersClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

func (c *OrdersClient) Name() string      { return "orders" }
func (c *OrdersClient) PublicKey() string { return c.cfg.KeyID }

// Breaker exposes the circuit state for health checks.
func (c *OrdersClient) Breaker() *circuitbreaker.Breaker { return c.breaker }

type createOrderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// statusError is a non-2xx processor response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.Status, e.Body)
}

// retryable reports whether err is worth another attempt: network failures,
// 429 and 5xx.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return true
}

// CreateOrder opens an order. Transient failures are retried with backoff
// behind a circuit breaker; anything that still fails is ErrUpstream.
func (c *OrdersClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(createOrderBody{
		Amount:   req.Amount,
		Currency: normalizeCurrency(req.Currency),
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	start := time.Now()
	var order *Order
	err = retry.DoNotify(ctx, c.cfg.MaxAttempts, c.cfg.BaseDelay, func() error {
		err := c.breaker.Execute(c.Name(), retryable, func() error {
			o, err := c.postOrder(ctx, body)
			if err == nil {
				order = o
			}
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) || (err != nil && !retryable(err)) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Warn("create order failed, retrying",
			"attempt", attempt, "receipt", req.Receipt, "backoff", next, "error", err)
	})
	observe(c.Name(), "create_order", start, err)
	if err != nil {
		c.logger.Error("create order failed", "receipt", req.Receipt, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return order, nil
}

func (c *OrdersClient) postOrder(ctx context.Context, body []byte) (*Order, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{Status: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var order Order
	if err := json.Unmarshal(respBody, &order); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode order: %w", err))
	}
	if order.ID == "" {
		return nil, retry.Permanent(errors.New("gateway returned an order without id"))
	}
	order.Currency = normalizeCurrency(order.Currency)
	return &order, nil
}

// VerifyPayment checks the checkout callback signature. No network call:
// the HMAC is the proof of capture.
func (c *OrdersClient) VerifyPayment(_ context.Context, orderID, paymentID, signature string) error {
	if !VerifyPaymentSignature(c.cfg.KeySecret, orderID, paymentID, signature) {
		signatureRejections.WithLabelValues(c.Name(), "payment").Inc()
		return ErrInvalidSignature
	}
	return nil
}

// ParseWebhook verifies and decodes an orders-style webhook.
func (c *OrdersClient) ParseWebhook(raw []byte, signature string) (*WebhookEvent, error) {
	if !VerifyWebhookSignature(c.cfg.WebhookSecret, raw, signature) {
		signatureRejections.WithLabelValues(c.Name(), "webhook").Inc()
		return nil, ErrInvalidSignature
	}
	return parseOrdersWebhook(raw)
}

// ordersWebhook is the envelope orders-style processors deliver.
type ordersWebhook struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				Currency         string `json:"currency"`
				Status           string `json:"status"`
				ErrorCode        string `json:"error_code"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func parseOrdersWebhook(raw []byte) (*WebhookEvent, error) {
	var w ordersWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if w.Event == "" {
		return nil, ErrMalformedWebhook
	}
	p := w.Payload.Payment.Entity
	ev := &WebhookEvent{
		ID:            w.ID,
		Type:          w.Event,
		OrderID:       p.OrderID,
		PaymentID:     p.ID,
		Amount:        p.Amount,
		Currency:      normalizeCurrency(p.Currency),
		FailureCode:   p.ErrorCode,
		FailureReason: p.ErrorDescription,
	}
	switch w.Event {
	case "payment.captured", "order.paid":
		ev.Kind = EventPaymentCaptured
	case "payment.failed":
		ev.Kind = EventPaymentFailed
	default:
		ev.Kind = EventIgnored
	}
	if ev.Kind != EventIgnored && (ev.OrderID == "" || ev.PaymentID == "") {
		return nil, fmt.Errorf("%w: payment entity lacks order or payment id", ErrMalformedWebhook)
	}
	return ev, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
