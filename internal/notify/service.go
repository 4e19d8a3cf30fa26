// Package notify turns order lifecycle events into rows of the notification
// store, from which mail is sent.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type Notification struct {
	EventID   string
	OrderID   string
	Kind      string
	Recipient string
	Subject   string
	Body      string
}

const (
	KindConfirmation = "order_confirmation"
	KindCancelled    = "order_cancelled"
	KindShipped      = "order_shipped"
	KindRefunded     = "order_refunded"
)

// Store inserts a notification once per event id. It returns false when the
// event was already recorded.
type Store interface {
	Insert(ctx context.Context, n Notification) (bool, error)
}

// OrderReader is the slice of orders.Store needed to address a notice.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (orders.Order, error)
}

// Deduper is satisfied by *redisx.Dedup.
type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type Service struct {
	Log    *slog.Logger
	Orders OrderReader
	Store  Store
	Dedup  Deduper
}

// HandleMessage is installed as the kafka consumer handler. It returns an
// error only when the offset must not be committed.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		s.Log.WarnContext(ctx, "notify: dropping undecodable message", "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.StatusChangedPayload](env.Payload)
	if err != nil {
		s.Log.WarnContext(ctx, "notify: dropping bad payload", "event_id", env.EventID, "err", err)
		return nil
	}
	kind, ok := kindFor(p.To)
	if !ok {
		return nil
	}

	if s.Dedup != nil {
		claimed, err := s.Dedup.Claim(ctx, env.EventID)
		if err == nil && !claimed {
			return nil
		}
	}

	if err := s.record(ctx, env.EventID, kind, p.OrderID); err != nil {
		if s.Dedup != nil {
			_ = s.Dedup.Release(ctx, env.EventID)
		}
		return err
	}
	return nil
}

func (s *Service) record(ctx context.Context, eventID, kind, orderID string) error {
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	to := o.ContactEmail()
	if to == "" {
		s.Log.WarnContext(ctx, "notify: order has no contact email", "order_id", orderID)
		return nil
	}

	n := Compose(o, kind)
	n.EventID = eventID
	n.Recipient = to
	inserted, err := s.Store.Insert(ctx, n)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if inserted {
		s.Log.InfoContext(ctx, "notification queued", "order_id", orderID, "kind", kind)
	}
	return nil
}

func kindFor(st orders.Status) (string, bool) {
	switch st {
	case orders.StatusPaid:
		return KindConfirmation, true
	case orders.StatusCancelled:
		return KindCancelled, true
	case orders.StatusShipped:
		return KindShipped, true
	case orders.StatusRefunded:
		return KindRefunded, true
	}
	return "", false
}

// Compose renders the subject and body for o.
func Compose(o orders.Order, kind string) Notification {
	num := o.OrderNumber()
	n := Notification{OrderID: o.ID, Kind: kind}
	switch kind {
	case KindConfirmation:
		n.Subject = fmt.Sprintf("Order #%s confirmed", num)
		n.Body = fmt.Sprintf("Hi %s, thanks for your order. We received your payment of $%s for %d item(s).",
			o.CustomerName(), o.TotalCents, o.ItemCount())
	case KindCancelled:
		n.Subject = fmt.Sprintf("Order #%s cancelled", num)
		n.Body = fmt.Sprintf("Hi %s, your order was cancelled because payment was not completed. You have not been charged.",
			o.CustomerName())
	case KindShipped:
		n.Subject = fmt.Sprintf("Order #%s shipped", num)
		n.Body = fmt.Sprintf("Hi %s, your order is on its way to %s, %s.", o.CustomerName(), o.Shipping.City, o.Shipping.State)
	case KindRefunded:
		n.Subject = fmt.Sprintf("Order #%s refunded", num)
		n.Body = fmt.Sprintf("Hi %s, we refunded $%s to your original payment method.", o.CustomerName(), o.TotalCents)
	}
	return n
}
