package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/orders/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
	"github.com/ariefcatur/go-storefront-orders/internal/payments/paymentstest"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/sweeper"
)

const secret = "whsec_test"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type failingStore struct {
	orders.Store
	err error
}

func (f failingStore) MarkPaid(context.Context, orders.Ref) (string, bool, error) {
	return "", false, f.err
}

type fixture struct {
	store *memstore.Store
	gw    *paymentstest.Gateway
	rec   *Reconciler
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{store: memstore.New(), gw: paymentstest.New(), mr: mr}
	f.store.AddVariant(orders.Variant{ID: "v1", ProductID: "p1", ProductName: "Tee", ProductActive: true, BasePriceCents: 2000, Stock: 5})
	rec, err := New(discard, f.store, f.gw, nil, redisx.NewDedup(rdb, "webhook", time.Hour), secret)
	require.NoError(t, err)
	f.rec = rec
	return f
}

// place runs a real checkout for qty units of v1 and returns the order.
func (f *fixture) place(t *testing.T, qty int) orders.Order {
	t.Helper()
	svc := checkout.NewService(discard, f.store, f.gw, nil, checkout.Options{FreeShippingThreshold: 5000, FlatRateShipping: 599})
	res, err := svc.Checkout(context.Background(), "", checkout.Request{
		Items:    []checkout.CartItem{{VariantID: "v1", Quantity: qty}},
		Customer: checkout.Customer{Email: "buyer@example.com"},
		Shipping: orders.Address{Name: "B", Street: "1 Main", City: "Austin", State: "TX", Zip: "78701"},
	})
	require.NoError(t, err)
	o, err := f.store.Get(context.Background(), res.OrderID)
	require.NoError(t, err)
	return o
}

func (f *fixture) deliver(t *testing.T, eventID, typ, intent string) Outcome {
	t.Helper()
	body, sig := paymentstest.SignedEvent(secret, eventID, typ, intent)
	out, err := f.rec.Handle(context.Background(), body, sig)
	require.NoError(t, err)
	return out
}

func TestHandle_EndToEndPaid(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 2)
	assert.Equal(t, 3, f.store.Stock("v1"))

	assert.Equal(t, OutcomePaid, f.deliver(t, "evt_1", payments.EventPaymentSucceeded, o.PaymentIntentID))

	got, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)
	assert.Equal(t, 3, f.store.Stock("v1"))
}

func TestHandle_SucceededTwice(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 1)

	assert.Equal(t, OutcomePaid, f.deliver(t, "evt_1", payments.EventPaymentSucceeded, o.PaymentIntentID))
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, "evt_1", payments.EventPaymentSucceeded, o.PaymentIntentID))
	// a different event id for the same intent still hits the status guard
	assert.Equal(t, OutcomeNoop, f.deliver(t, "evt_2", payments.EventPaymentSucceeded, o.PaymentIntentID))
}

func TestHandle_FailedRestoresStockOnce(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 2)

	assert.Equal(t, OutcomeCancelled, f.deliver(t, "evt_1", payments.EventPaymentFailed, o.PaymentIntentID))
	assert.Equal(t, 5, f.store.Stock("v1"))

	f.mr.FlushAll() // lose the dedup memory
	assert.Equal(t, OutcomeNoop, f.deliver(t, "evt_1", payments.EventPaymentFailed, o.PaymentIntentID))
	assert.Equal(t, OutcomeNoop, f.deliver(t, "evt_2", payments.EventPaymentCanceled, o.PaymentIntentID))
	assert.Equal(t, 5, f.store.Stock("v1"))

	assert.Equal(t, OutcomeNoop, f.deliver(t, "evt_3", payments.EventPaymentSucceeded, o.PaymentIntentID))
	got, _ := f.store.Get(context.Background(), o.ID)
	assert.Equal(t, orders.StatusCancelled, got.Status)
}

func TestHandle_ConcurrentDuplicateFailures(t *testing.T) {
	f := newFixture(t)
	f.rec.dedup = nil
	o := f.place(t, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, sig := paymentstest.SignedEvent(secret, "evt_1", payments.EventPaymentFailed, o.PaymentIntentID)
			_, _ = f.rec.Handle(context.Background(), body, sig)
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, f.store.Stock("v1"))
}

func TestHandle_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 2)

	body, _ := paymentstest.SignedEvent(secret, "evt_1", payments.EventPaymentFailed, o.PaymentIntentID)
	_, err := f.rec.Handle(context.Background(), body, paymentstest.Sign(body, "whsec_wrong"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindSignature, apperr.KindOf(err))
	assert.Equal(t, "Invalid signature", apperr.Message(err, ""))

	_, err = f.rec.Handle(context.Background(), body, "")
	assert.Equal(t, "Missing signature", apperr.Message(err, ""))

	got, _ := f.store.Get(context.Background(), o.ID)
	assert.Equal(t, orders.StatusPending, got.Status)
	assert.Equal(t, 3, f.store.Stock("v1"))
}

func TestHandle_UnknownTypeAndIntent(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, OutcomeIgnored, f.deliver(t, "evt_1", "charge.refunded", "pi_x"))
	assert.Equal(t, OutcomeNoop, f.deliver(t, "evt_2", payments.EventPaymentSucceeded, "pi_unknown"))
}

func TestHandle_DatastoreErrorIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 1)
	rec, err := New(discard, failingStore{Store: f.store, err: errors.New("db down")}, f.gw, nil, f.rec.dedup, secret)
	require.NoError(t, err)

	body, sig := paymentstest.SignedEvent(secret, "evt_1", payments.EventPaymentSucceeded, o.PaymentIntentID)
	out, err := rec.Handle(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.False(t, f.mr.Exists("dedup:webhook:evt_1"), "claim released for a later retry")

	assert.Equal(t, OutcomePaid, f.deliver(t, "evt_1", payments.EventPaymentSucceeded, o.PaymentIntentID))
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(discard, memstore.New(), paymentstest.New(), nil, nil, "")
	assert.ErrorIs(t, err, ErrNoWebhookSecret)
}

func TestHandle_EmptyKeySignatureRejected(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 2)

	// a zero-value Reconciler has no secret and must not trust a payload
	// signed with the empty key
	var zero Reconciler
	zero.log, zero.store, zero.gw, zero.events = discard, f.store, f.gw, orders.NopEvents{}
	zero.tracer = f.rec.tracer
	body, sig := paymentstest.SignedEvent("", "evt_forged", payments.EventPaymentSucceeded, o.PaymentIntentID)
	_, err := zero.Handle(context.Background(), body, sig)
	assert.Equal(t, apperr.KindSignature, apperr.KindOf(err))

	_, err = f.rec.Handle(context.Background(), body, sig)
	assert.Equal(t, apperr.KindSignature, apperr.KindOf(err))

	got, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, got.Status)
}

func TestHandle_RacesSweeperRestoreOnce(t *testing.T) {
	f := newFixture(t)
	sw := sweeper.New(discard, f.store, f.gw, nil, 30*time.Minute, 25)

	for i := 0; i < 20; i++ {
		f.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
		o := f.place(t, 2)
		require.Equal(t, 3, f.store.Stock("v1"))
		f.gw.SetState(o.PaymentIntentID, payments.StateAbandoned, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := sw.Sweep(context.Background(), 0)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			body, sig := paymentstest.SignedEvent(secret, fmt.Sprintf("evt_fail_%d", i), payments.EventPaymentFailed, o.PaymentIntentID)
			_, err := f.rec.Handle(context.Background(), body, sig)
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, err := f.store.Get(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusCancelled, got.Status)
		assert.Equal(t, 5, f.store.Stock("v1"), "iteration %d", i)
	}
}
