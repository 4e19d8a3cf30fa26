package orders

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "storefront-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderPlacedPayload struct {
	OrderID         string `json:"order_id"`
	UserID          string `json:"user_id,omitempty"`
	Email           string `json:"email"`
	PaymentIntentID string `json:"payment_intent_id"`
	TotalCents      Cents  `json:"total_cents"`
	ItemCount       int    `json:"item_count"`
}

type StatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	Reason  string `json:"reason,omitempty"` // e.g. webhook, sweeper, admin
}

// Events receives lifecycle notifications after the datastore committed.
// Implementations must not fail the caller; delivery is best effort.
type Events interface {
	OrderPlaced(ctx context.Context, o Order)
	StatusChanged(ctx context.Context, orderID string, from, to Status, reason string)
}

type NopEvents struct{}

func (NopEvents) OrderPlaced(context.Context, Order)                              {}
func (NopEvents) StatusChanged(context.Context, string, Status, Status, string) {}
