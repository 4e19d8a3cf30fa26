// Package paymentstest provides an in-memory payments.Gateway.
package paymentstest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
)

type Intent struct {
	ID        string
	Amount    orders.Cents
	Currency  string
	Metadata  map[string]string
	State     payments.State
	StateErr  error
	Cancelled bool
}

// Gateway records every call. Tax defaults to a flat TaxRateBP basis points of
// the taxable amount.
type Gateway struct {
	mu sync.Mutex

	TaxRateBP int64
	TaxErr    error
	CreateErr error
	CancelErr error

	intents  map[string]*Intent
	seq      int
	TaxCalls int
}

var _ payments.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{intents: map[string]*Intent{}}
}

func (g *Gateway) CalculateTax(ctx context.Context, lines []payments.TaxLine, shipTo orders.Address) (orders.Cents, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.TaxCalls++
	if g.TaxErr != nil {
		return 0, &payments.UpstreamError{Op: "calculate tax", Err: g.TaxErr}
	}
	var taxable orders.Cents
	for _, l := range lines {
		taxable += l.Amount
	}
	return orders.Cents((int64(taxable)*g.TaxRateBP + 5000) / 10000), nil
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, amount orders.Cents, currency string, metadata map[string]string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return payments.Intent{}, &payments.UpstreamError{Op: "create payment intent", Err: g.CreateErr}
	}
	g.seq++
	id := fmt.Sprintf("pi_test_%d", g.seq)
	g.intents[id] = &Intent{ID: id, Amount: amount, Currency: currency, Metadata: metadata, State: payments.StateAbandoned}
	return payments.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (g *Gateway) PaymentState(ctx context.Context, intentID string) (payments.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[intentID]
	if !ok {
		return payments.StateUnknown, &payments.UpstreamError{Op: "get payment intent", Err: fmt.Errorf("no such intent %q", intentID)}
	}
	if in.StateErr != nil {
		return payments.StateUnknown, &payments.UpstreamError{Op: "get payment intent", Err: in.StateErr}
	}
	return in.State, nil
}

func (g *Gateway) CancelPaymentIntent(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return &payments.UpstreamError{Op: "cancel payment intent", Err: g.CancelErr}
	}
	if in, ok := g.intents[intentID]; ok {
		in.Cancelled = true
	}
	return nil
}

// SetState changes what PaymentState reports for id, creating the intent if
// needed.
func (g *Gateway) SetState(id string, st payments.State, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		in = &Intent{ID: id}
		g.intents[id] = in
	}
	in.State, in.StateErr = st, err
}

func (g *Gateway) Intent(id string) (Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return Intent{}, false
	}
	return *in, true
}

type wireEvent struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// VerifyWebhook accepts payloads signed by Sign.
func (g *Gateway) VerifyWebhook(payload []byte, signature, secret string) (payments.Event, error) {
	if !hmac.Equal([]byte(signature), []byte(Sign(payload, secret))) {
		return payments.Event{}, payments.ErrInvalidSignature
	}
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return payments.Event{}, fmt.Errorf("%w: %v", payments.ErrInvalidSignature, err)
	}
	return payments.Event{ID: w.ID, Type: w.Type, PaymentIntentID: w.PaymentIntentID}, nil
}

func Sign(payload []byte, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// SignedEvent builds a webhook body and its signature.
func SignedEvent(secret, id, typ, intentID string) ([]byte, string) {
	b, _ := json.Marshal(wireEvent{ID: id, Type: typ, PaymentIntentID: intentID})
	return b, Sign(b, secret)
}
