package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

const (
	taxCodeGeneral  = "txcd_99999999"
	taxCodeShipping = "txcd_92010001"
)

type Stripe struct {
	api      *client.API
	currency string
}

var _ Gateway = (*Stripe)(nil)

// NewStripe builds the adapter. backends may be nil to use the live API.
func NewStripe(secretKey, currency string, backends *stripe.Backends) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{api: api, currency: currency}
}

func (s *Stripe) CalculateTax(ctx context.Context, lines []TaxLine, shipTo orders.Address) (orders.Cents, error) {
	params := &stripe.TaxCalculationParams{
		Currency: stripe.String(s.currency),
		CustomerDetails: &stripe.TaxCalculationCustomerDetailsParams{
			AddressSource: stripe.String("shipping"),
			Address: &stripe.AddressParams{
				Line1:      stripe.String(shipTo.Street),
				City:       stripe.String(shipTo.City),
				State:      stripe.String(shipTo.State),
				PostalCode: stripe.String(shipTo.Zip),
				Country:    stripe.String(shipTo.Country),
			},
		},
	}
	if shipTo.Street2 != "" {
		params.CustomerDetails.Address.Line2 = stripe.String(shipTo.Street2)
	}
	for _, l := range lines {
		code := taxCodeGeneral
		if l.Shipping {
			code = taxCodeShipping
		}
		params.LineItems = append(params.LineItems, &stripe.TaxCalculationLineItemParams{
			Amount:      stripe.Int64(int64(l.Amount)),
			Reference:   stripe.String(l.Reference),
			TaxCode:     stripe.String(code),
			TaxBehavior: stripe.String("exclusive"),
		})
	}
	params.Context = ctx

	calc, err := s.api.TaxCalculations.New(params)
	if err != nil {
		return 0, &UpstreamError{Op: "calculate tax", Err: err}
	}
	return orders.Cents(calc.TaxAmountExclusive), nil
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, amount orders.Cents, currency string, metadata map[string]string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(amount)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, &UpstreamError{Op: "create payment intent", Err: err}
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *Stripe) PaymentState(ctx context.Context, intentID string) (State, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return StateUnknown, &UpstreamError{Op: "get payment intent", Err: err}
	}
	return mapIntentStatus(pi.Status), nil
}

func (s *Stripe) CancelPaymentIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(intentID, params); err != nil {
		return &UpstreamError{Op: "cancel payment intent", Err: err}
	}
	return nil
}

func (s *Stripe) VerifyWebhook(payload []byte, signature, secret string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil && len(ev.Data.Raw) > 0 {
		var obj struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		}
		if err := json.Unmarshal(ev.Data.Raw, &obj); err == nil && obj.Object == "payment_intent" {
			out.PaymentIntentID = obj.ID
		}
	}
	return out, nil
}

func mapIntentStatus(st stripe.PaymentIntentStatus) State {
	switch st {
	case stripe.PaymentIntentStatusSucceeded:
		return StateSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return StateInProgress
	case stripe.PaymentIntentStatusCanceled,
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		return StateAbandoned
	}
	return StateUnknown
}
