// Package sweeper resolves PENDING orders whose payment webhook never
// arrived, using the gateway as the source of truth.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
)

type Summary struct {
	Cutoff            time.Time `json:"cutoff"`
	Checked           int       `json:"checked"`
	Cancelled         int       `json:"cancelled"`
	MarkedPaid        int       `json:"markedPaid"`
	SkippedInProgress int       `json:"skippedInProgress"`
	SkippedUnknown    int       `json:"skippedUnknown"`
}

type Sweeper struct {
	log    *slog.Logger
	store  orders.Store
	gw     payments.Gateway
	events orders.Events
	ttl    time.Duration
	batch  int
	now    func() time.Time
	tracer trace.Tracer
}

func New(log *slog.Logger, store orders.Store, gw payments.Gateway, events orders.Events, ttl time.Duration, batch int) *Sweeper {
	if events == nil {
		events = orders.NopEvents{}
	}
	return &Sweeper{
		log:    log,
		store:  store,
		gw:     gw,
		events: events,
		ttl:    ttl,
		batch:  config.ClampBatch(batch),
		now:    time.Now,
		tracer: otel.Tracer("storefront/sweeper"),
	}
}

// Sweep checks up to limit PENDING orders older than the TTL, oldest first.
// A limit of zero or less uses the configured batch size. Every mutation is
// guarded on status PENDING, so concurrent sweeps and webhooks are safe.
func (s *Sweeper) Sweep(ctx context.Context, limit int) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "sweep")
	defer span.End()

	if limit <= 0 {
		limit = s.batch
	}
	limit = config.ClampBatch(limit)

	sum := Summary{Cutoff: s.now().Add(-s.ttl)}
	stale, err := s.store.ListStalePending(ctx, sum.Cutoff, limit)
	if err != nil {
		span.RecordError(err)
		return sum, err
	}

	for _, p := range stale {
		sum.Checked++
		s.resolve(ctx, p, &sum)
	}

	span.SetAttributes(
		attribute.Int("sweep.checked", sum.Checked),
		attribute.Int("sweep.cancelled", sum.Cancelled),
		attribute.Int("sweep.marked_paid", sum.MarkedPaid),
	)
	if sum.Checked > 0 {
		s.log.InfoContext(ctx, "sweep finished",
			"checked", sum.Checked, "cancelled", sum.Cancelled, "marked_paid", sum.MarkedPaid,
			"skipped_in_progress", sum.SkippedInProgress, "skipped_unknown", sum.SkippedUnknown)
	}
	return sum, nil
}

func (s *Sweeper) resolve(ctx context.Context, p orders.PendingOrder, sum *Summary) {
	log := s.log.With("order_id", p.ID, "payment_intent_id", p.PaymentIntentID)

	state := payments.StateAbandoned
	if p.PaymentIntentID != "" {
		st, err := s.gw.PaymentState(ctx, p.PaymentIntentID)
		if err != nil {
			log.WarnContext(ctx, "sweep: gateway lookup failed, leaving pending", "err", err)
			sum.SkippedUnknown++
			return
		}
		state = st
	}

	switch state {
	case payments.StateSucceeded:
		_, ok, err := s.store.MarkPaid(ctx, orders.ByID(p.ID))
		if err != nil {
			log.ErrorContext(ctx, "sweep: mark paid failed", "err", err)
			sum.SkippedUnknown++
			return
		}
		if !ok {
			log.InfoContext(ctx, "sweep: order already resolved")
			return
		}
		sum.MarkedPaid++
		s.events.StatusChanged(ctx, p.ID, orders.StatusPending, orders.StatusPaid, "sweeper")

	case payments.StateInProgress:
		sum.SkippedInProgress++

	case payments.StateAbandoned:
		if p.PaymentIntentID != "" {
			if err := s.gw.CancelPaymentIntent(ctx, p.PaymentIntentID); err != nil {
				log.WarnContext(ctx, "sweep: cancel payment intent failed", "err", err)
			}
		}
		_, ok, err := s.store.Cancel(ctx, orders.ByID(p.ID))
		if err != nil {
			log.ErrorContext(ctx, "sweep: cancel order failed", "err", err)
			sum.SkippedUnknown++
			return
		}
		if !ok {
			log.InfoContext(ctx, "sweep: order already resolved")
			return
		}
		sum.Cancelled++
		s.events.StatusChanged(ctx, p.ID, orders.StatusPending, orders.StatusCancelled, "sweeper")

	default:
		log.WarnContext(ctx, "sweep: unrecognized payment state, leaving pending", "state", state)
		sum.SkippedUnknown++
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Sweep(ctx, 0); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
