// Package checkout turns a cart and contact form into a priced,
// stock-reserved, payable order.
package checkout

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
)

const msgTaxFailed = "Unable to calculate tax. Please try again or contact support."

type CartItem struct {
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
	// Name and Price are what the client believes; neither is trusted.
	Name  string   `json:"name,omitempty"`
	Price *float64 `json:"price,omitempty"`
}

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Request struct {
	Items    []CartItem     `json:"items"`
	Customer Customer       `json:"customer"`
	Shipping orders.Address `json:"shipping"`
}

type Result struct {
	ClientSecret string
	OrderID      string
	Subtotal     orders.Cents
	Shipping     orders.Cents
	Tax          orders.Cents
	Total        orders.Cents
}

type Options struct {
	FreeShippingThreshold orders.Cents
	FlatRateShipping      orders.Cents
	Currency              string
}

type Service struct {
	log    *slog.Logger
	store  orders.Store
	gw     payments.Gateway
	events orders.Events
	opts   Options
	tracer trace.Tracer
	newID  func() string
}

func NewService(log *slog.Logger, store orders.Store, gw payments.Gateway, events orders.Events, opts Options) *Service {
	if events == nil {
		events = orders.NopEvents{}
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	return &Service{
		log:    log,
		store:  store,
		gw:     gw,
		events: events,
		opts:   opts,
		tracer: otel.Tracer("storefront/checkout"),
		newID:  uuid.NewString,
	}
}

// ShippingFor returns the flat rate below the free-shipping threshold and
// zero at or above it.
func (s *Service) ShippingFor(subtotal orders.Cents) orders.Cents {
	if subtotal >= s.opts.FreeShippingThreshold {
		return 0
	}
	return s.opts.FlatRateShipping
}

// Checkout validates req, prices it from server-side records, calculates tax,
// creates a payment intent and finally reserves stock and records the order
// in one atomic unit. userID is empty for guest checkout.
func (s *Service) Checkout(ctx context.Context, userID string, req Request) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.KindOf(err).String())
		}
		span.End()
	}()

	shipTo, err := Validate(&req)
	if err != nil {
		return Result{}, err
	}

	o, err := s.price(ctx, userID, req, shipTo)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.Int("order.items", o.ItemCount()))

	tax, err := s.gw.CalculateTax(ctx, taxLines(o), shipTo)
	if err != nil {
		s.log.ErrorContext(ctx, "tax calculation failed", "order_id", o.ID, "err", err)
		return Result{}, apperr.Upstream(msgTaxFailed, err)
	}
	o.TaxCents = tax
	o.TotalCents = o.SubtotalCents + o.ShippingCents + o.TaxCents

	intent, err := s.gw.CreatePaymentIntent(ctx, o.TotalCents, s.opts.Currency, map[string]string{
		"order_id":      o.ID,
		"customerEmail": orders.NormalizeEmail(req.Customer.Email),
		"customerName":  firstNonEmpty(req.Customer.Name, shipTo.Name),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "payment intent creation failed", "order_id", o.ID, "err", err)
		return Result{}, apperr.Upstream("Unable to start payment. Please try again.", err)
	}
	o.PaymentIntentID = intent.ID

	if err := s.store.PlaceOrder(ctx, &o); err != nil {
		// The intent is left for the gateway to expire; no order references it.
		if apperr.KindOf(err) == apperr.KindInternal {
			s.log.ErrorContext(ctx, "order commit failed", "order_id", o.ID, "payment_intent_id", intent.ID, "err", err)
		} else {
			s.log.InfoContext(ctx, "order rejected at commit", "order_id", o.ID, "payment_intent_id", intent.ID, "reason", err.Error())
		}
		return Result{}, err
	}

	s.log.InfoContext(ctx, "order placed",
		"order_id", o.ID, "payment_intent_id", intent.ID, "total_cents", int64(o.TotalCents), "guest", userID == "")
	s.events.OrderPlaced(ctx, o)

	return Result{
		ClientSecret: intent.ClientSecret,
		OrderID:      o.ID,
		Subtotal:     o.SubtotalCents,
		Shipping:     o.ShippingCents,
		Tax:          o.TaxCents,
		Total:        o.TotalCents,
	}, nil
}

func (s *Service) price(ctx context.Context, userID string, req Request, shipTo orders.Address) (orders.Order, error) {
	ids := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.VariantID)
	}
	variants, err := s.store.LookupVariants(ctx, ids)
	if err != nil {
		return orders.Order{}, err
	}

	o := orders.Order{
		ID:       s.newID(),
		Status:   orders.StatusPending,
		UserID:   userID,
		Shipping: shipTo,
	}
	if userID == "" {
		o.GuestEmail = orders.NormalizeEmail(req.Customer.Email)
		o.GuestName = firstNonEmpty(req.Customer.Name, shipTo.Name)
		o.GuestPhone = strings.TrimSpace(req.Customer.Phone)
	}

	for _, it := range req.Items {
		v, ok := variants[it.VariantID]
		if !ok {
			return orders.Order{}, apperr.NotFound("Product not found: " + firstNonEmpty(it.Name, it.VariantID))
		}
		if !v.ProductActive {
			return orders.Order{}, apperr.Conflict("Product no longer available: " + v.ProductName)
		}
		if v.Stock < it.Quantity {
			return orders.Order{}, apperr.Conflict("Insufficient stock for " + v.Label())
		}
		unit := v.UnitPrice()
		o.Items = append(o.Items, orders.OrderItem{
			OrderID:        o.ID,
			VariantID:      v.ID,
			Quantity:       it.Quantity,
			UnitPriceCents: unit,
			ProductName:    v.ProductName,
			Size:           v.Size,
			Color:          v.Color,
		})
		o.SubtotalCents += unit * orders.Cents(it.Quantity)
	}
	o.ShippingCents = s.ShippingFor(o.SubtotalCents)
	return o, nil
}

func taxLines(o orders.Order) []payments.TaxLine {
	lines := make([]payments.TaxLine, 0, len(o.Items)+1)
	for _, it := range o.Items {
		lines = append(lines, payments.TaxLine{Amount: it.LineTotal(), Reference: it.VariantID})
	}
	if o.ShippingCents > 0 {
		lines = append(lines, payments.TaxLine{Amount: o.ShippingCents, Reference: "shipping", Shipping: true})
	}
	return lines
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
