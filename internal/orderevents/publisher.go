// Package orderevents publishes order lifecycle envelopes after commit.
package orderevents

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

const eventVersion = 1

// Sender is satisfied by *kafka.Producer.
type Sender interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// StatusInvalidator is satisfied by *redisx.StatusCache.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, orderID string) error
}

// Publisher implements orders.Events. Delivery is best effort: the datastore
// already holds the truth when these are called.
type Publisher struct {
	log      *slog.Logger
	sender   Sender
	cache    StatusInvalidator
	producer string
	now      func() time.Time
}

var _ orders.Events = (*Publisher)(nil)

func New(log *slog.Logger, sender Sender, cache StatusInvalidator, producer string) *Publisher {
	return &Publisher{log: log, sender: sender, cache: cache, producer: producer, now: time.Now}
}

func (p *Publisher) OrderPlaced(ctx context.Context, o orders.Order) {
	p.publish(ctx, o.ID, orders.EventOrderPlaced, orders.OrderPlacedPayload{
		OrderID:         o.ID,
		UserID:          o.UserID,
		Email:           o.ContactEmail(),
		PaymentIntentID: o.PaymentIntentID,
		TotalCents:      o.TotalCents,
		ItemCount:       o.ItemCount(),
	})
}

func (p *Publisher) StatusChanged(ctx context.Context, orderID string, from, to orders.Status, reason string) {
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, orderID); err != nil {
			p.log.WarnContext(ctx, "order status cache invalidation failed", "order_id", orderID, "err", err)
		}
	}
	p.publish(ctx, orderID, orders.EventOrderStatusChanged, orders.StatusChangedPayload{
		OrderID: orderID, From: from, To: to, Reason: reason,
	})
}

func (p *Publisher) publish(ctx context.Context, orderID, eventType string, payload any) {
	if p.sender == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    p.now().UTC(),
		Producer:      p.producer,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	p.sender.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(eventVersion))},
	)
}
