package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/guildbill/internal/idgen"
)

// Publisher enqueues events. It never delivers.
type Publisher struct {
	store Store
	now   func() time.Time
}

// NewPublisher creates a publisher over store.
func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store, now: time.Now}
}

// Publish enqueues payload under topic. key groups related events (usually
// the subscription or payment id) for logging and ordering.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload any) error {
	return p.publish(ctx, topic, key, "", payload)
}

// PublishOnce is Publish with a dedup key: a second publish with the same
// key is a silent no-op, which lets retried operations re-emit safely.
func (p *Publisher) PublishOnce(ctx context.Context, topic, key, dedupKey string, payload any) error {
	err := p.publish(ctx, topic, key, dedupKey, payload)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

func (p *Publisher) publish(ctx context.Context, topic, key, dedupKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	now := p.now().UTC()
	e := &Event{
		ID:            idgen.WithPrefix("evt_"),
		Topic:         topic,
		Key:           key,
		DedupKey:      dedupKey,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := p.store.Insert(ctx, e); err != nil {
		return err
	}
	eventsPublished.WithLabelValues(topic).Inc()
	return nil
}
