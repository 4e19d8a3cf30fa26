// Package payments isolates checkout and reconciliation from the payment
// processor's API shape.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

// State is the processor-neutral view of a payment intent.
type State string

const (
	StateSucceeded  State = "succeeded"
	StateInProgress State = "in_progress"
	StateAbandoned  State = "abandoned"
	StateUnknown    State = "unknown"
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
)

// TaxLine is one taxable amount. Shipping is passed as its own line.
type TaxLine struct {
	Amount    orders.Cents
	Reference string
	Shipping  bool
}

type Intent struct {
	ID           string
	ClientSecret string
}

// Event is an authenticated webhook notification.
type Event struct {
	ID              string
	Type            string
	PaymentIntentID string
}

var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// UpstreamError wraps any network or processor-side failure. Callers decide
// whether to retry; the adapter never does.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("payments: %s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}

type Gateway interface {
	CalculateTax(ctx context.Context, lines []TaxLine, shipTo orders.Address) (orders.Cents, error)
	CreatePaymentIntent(ctx context.Context, amount orders.Cents, currency string, metadata map[string]string) (Intent, error)
	PaymentState(ctx context.Context, intentID string) (State, error)
	CancelPaymentIntent(ctx context.Context, intentID string) error
	VerifyWebhook(payload []byte, signature, secret string) (Event, error)
}
