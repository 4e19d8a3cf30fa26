// Package reconcile applies authenticated payment webhooks to the order
// state machine.
package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
)

type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeNoop      Outcome = "noop"      // no PENDING order matched
	OutcomeIgnored   Outcome = "ignored"   // event type not handled
	OutcomeDuplicate Outcome = "duplicate" // event id seen before
	OutcomeFailed    Outcome = "failed"    // datastore error, logged
)

// Deduper remembers gateway event ids. redisx.Dedup implements it.
type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type Reconciler struct {
	log    *slog.Logger
	store  orders.Store
	gw     payments.Gateway
	events orders.Events
	dedup  Deduper
	secret string
	tracer trace.Tracer
}

var ErrNoWebhookSecret = errors.New("reconcile: webhook signing secret is empty")

// New builds a Reconciler. dedup may be nil; the status guard alone keeps
// redelivery safe. An empty secret is rejected with ErrNoWebhookSecret.
func New(log *slog.Logger, store orders.Store, gw payments.Gateway, events orders.Events, dedup Deduper, secret string) (*Reconciler, error) {
	if secret == "" {
		return nil, ErrNoWebhookSecret
	}
	if events == nil {
		events = orders.NopEvents{}
	}
	return &Reconciler{
		log:    log,
		store:  store,
		gw:     gw,
		events: events,
		dedup:  dedup,
		secret: secret,
		tracer: otel.Tracer("storefront/reconcile"),
	}, nil
}

// Handle verifies payload before reading any field of it. The only error it
// returns is a signature failure; everything after authentication is
// acknowledged so the gateway does not retry unresolvable events.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "webhook")
	defer span.End()

	if signature == "" {
		r.log.WarnContext(ctx, "webhook without signature")
		return "", &apperr.Error{Kind: apperr.KindSignature, Msg: "Missing signature"}
	}
	if r.secret == "" {
		r.log.ErrorContext(ctx, "webhook rejected, no signing secret configured")
		return "", apperr.Signature(ErrNoWebhookSecret)
	}
	ev, err := r.gw.VerifyWebhook(payload, signature, r.secret)
	if err != nil {
		r.log.WarnContext(ctx, "webhook signature verification failed", "err", err)
		return "", apperr.Signature(err)
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.type", ev.Type),
		attribute.String("payment_intent.id", ev.PaymentIntentID),
	)
	log := r.log.With("event_id", ev.ID, "event_type", ev.Type, "payment_intent_id", ev.PaymentIntentID)

	var target orders.Status
	switch ev.Type {
	case payments.EventPaymentSucceeded:
		target = orders.StatusPaid
	case payments.EventPaymentFailed, payments.EventPaymentCanceled:
		target = orders.StatusCancelled
	default:
		log.InfoContext(ctx, "unhandled webhook event type")
		return OutcomeIgnored, nil
	}
	if ev.PaymentIntentID == "" {
		log.WarnContext(ctx, "webhook event without payment intent")
		return OutcomeNoop, nil
	}

	if r.dedup != nil && ev.ID != "" {
		claimed, err := r.dedup.Claim(ctx, ev.ID)
		switch {
		case err != nil:
			log.WarnContext(ctx, "webhook dedup unavailable", "err", err)
		case !claimed:
			log.InfoContext(ctx, "duplicate webhook delivery")
			return OutcomeDuplicate, nil
		}
	}

	ref := orders.ByIntent(ev.PaymentIntentID)
	var (
		orderID string
		ok      bool
	)
	if target == orders.StatusPaid {
		orderID, ok, err = r.store.MarkPaid(ctx, ref)
	} else {
		orderID, ok, err = r.store.Cancel(ctx, ref)
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to update order status", "err", err)
		if r.dedup != nil && ev.ID != "" {
			_ = r.dedup.Release(ctx, ev.ID)
		}
		return OutcomeFailed, nil
	}
	if !ok {
		log.InfoContext(ctx, "no pending order for payment intent")
		return OutcomeNoop, nil
	}

	log.InfoContext(ctx, "order status updated from webhook", "order_id", orderID, "status", target)
	r.events.StatusChanged(ctx, orderID, orders.StatusPending, target, "webhook")
	if target == orders.StatusPaid {
		return OutcomePaid, nil
	}
	return OutcomeCancelled, nil
}
