package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mbd888/guildbill/internal/idgen"
)

// FakeClient is an in-process processor for development and tests. It signs
// payments and webhooks with the same HMAC scheme as OrdersClient.
type FakeClient struct {
	secret string

	mu      sync.Mutex
	orders  map[string]*Order
	failErr error
}

// NewFakeClient creates a fake processor whose key secret and webhook secret
// are both secret.
func NewFakeClient(secret string) *FakeClient {
	return &FakeClient{secret: secret, orders: make(map[string]*Order)}
}

func (f *FakeClient) Name() string      { return "fake" }
func (f *FakeClient) PublicKey() string { return "fake_key" }

// FailOrders makes CreateOrder return err until called again with nil.
func (f *FakeClient) FailOrders(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

func (f *FakeClient) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	o := &Order{
		ID:       idgen.WithPrefix("order_"),
		Amount:   req.Amount,
		Currency: normalizeCurrency(req.Currency),
		Receipt:  req.Receipt,
		Status:   "created",
	}
	f.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

// Order returns an order previously created on this fake.
func (f *FakeClient) Order(id string) (*Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Pay simulates a successful checkout and returns what the widget would
// hand back: the payment id and its signature.
func (f *FakeClient) Pay(orderID string) (paymentID, signature string) {
	paymentID = idgen.WithPrefix("pay_")
	return paymentID, SignPayment(f.secret, orderID, paymentID)
}

func (f *FakeClient) VerifyPayment(_ context.Context, orderID, paymentID, signature string) error {
	if !VerifyPaymentSignature(f.secret, orderID, paymentID, signature) {
		signatureRejections.WithLabelValues(f.Name(), "payment").Inc()
		return ErrInvalidSignature
	}
	return nil
}

func (f *FakeClient) ParseWebhook(raw []byte, signature string) (*WebhookEvent, error) {
	if !VerifyWebhookSignature(f.secret, raw, signature) {
		signatureRejections.WithLabelValues(f.Name(), "webhook").Inc()
		return nil, ErrInvalidSignature
	}
	return parseOrdersWebhook(raw)
}

// Webhook builds a signed orders-style webhook body for event ("payment.captured",
// "payment.failed", ...).
func (f *FakeClient) Webhook(eventID, event, orderID, paymentID string, amount int64, currency string) (body []byte, signature string) {
	w := ordersWebhook{ID: eventID, Event: event}
	e := &w.Payload.Payment.Entity
	e.ID = paymentID
	e.OrderID = orderID
	e.Amount = amount
	e.Currency = currency
	switch event {
	case "payment.failed":
		e.Status = "failed"
		e.ErrorCode = "BAD_REQUEST_ERROR"
		e.ErrorDescription = "payment declined"
	default:
		e.Status = "captured"
	}
	body, _ = json.Marshal(w)
	return body, SignWebhook(f.secret, body)
}
