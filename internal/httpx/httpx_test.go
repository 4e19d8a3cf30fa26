package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/catalog"
	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
	"github.com/ariefcatur/go-storefront-orders/internal/orderevents"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/orders/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
	"github.com/ariefcatur/go-storefront-orders/internal/payments/paymentstest"
	"github.com/ariefcatur/go-storefront-orders/internal/reconcile"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/sweeper"
)

const (
	webhookSecret = "whsec_test"
	jwtSecret     = "jwt-test-secret"
	bustKey       = "bust"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type nopSender struct{}

func (nopSender) Publish([]byte, []byte, ...kafkago.Header) {}

type fixture struct {
	store  *memstore.Store
	gw     *paymentstest.Gateway
	mr     *miniredis.Miniredis
	authn  *auth.Authenticator
	router *chi.Mux
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	authn, err := auth.New(jwtSecret)
	require.NoError(t, err)
	f := &fixture{store: memstore.New(), gw: paymentstest.New(), mr: mr, authn: authn}
	f.store.AddVariant(orders.Variant{ID: "v1", ProductID: "p1", ProductName: "Tee", ProductActive: true, BasePriceCents: 2000, Size: "M", Stock: 5})
	f.store.AddUser("u1", "member@example.com", "Member")

	statusCache := redisx.NewStatusCache(rdb, time.Minute)
	events := orderevents.New(discard, nopSender{}, statusCache, "test")
	limiter := redisx.NewLimiter(rdb, rateLimit, time.Minute)

	svc := checkout.NewService(discard, f.store, f.gw, events, checkout.Options{FreeShippingThreshold: 5000, FlatRateShipping: 599})
	rec, err := reconcile.New(discard, f.store, f.gw, events, redisx.NewDedup(rdb, "webhook", time.Hour), webhookSecret)
	require.NoError(t, err)
	sw := sweeper.New(discard, f.store, f.gw, events, 30*time.Minute, 25)

	f.router = NewRouter(f.authn.Middleware)
	(&CheckoutHandler{Log: discard, Service: svc, Limiter: limiter}).Register(f.router)
	(&WebhookHandler{Log: discard, Reconciler: rec}).Register(f.router)
	(&OrdersHandler{Log: discard, Store: f.store, Cache: statusCache, Limiter: limiter}).Register(f.router)
	(&AdminHandler{Log: discard, Store: f.store, Events: events, Sweeper: sw}).Register(f.router)
	(&CatalogHandler{Log: discard, Cache: catalog.NewCache(discard, rdb, catalog.StoreSource{Store: f.store}, time.Minute), BustKey: bustKey}).Register(f.router)
	return f
}

func (f *fixture) token(t *testing.T, c auth.Caller) string {
	t.Helper()
	tok, err := f.authn.Issue(c, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends body as JSON and decodes the JSON response into a map.
func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr.Code, out
}

func (f *fixture) webhook(t *testing.T, body []byte, sig string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sig)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return rr.Code, out
}

func cart(email string, qty int) checkout.Request {
	return checkout.Request{
		Items:    []checkout.CartItem{{VariantID: "v1", Quantity: qty}},
		Customer: checkout.Customer{Email: email, Name: "Buyer"},
		Shipping: orders.Address{Name: "Buyer", Street: "1 Main St", City: "Austin", State: "TX", Zip: "78701"},
	}
}

// placeOrder checks out qty units and returns the order id.
func (f *fixture) placeOrder(t *testing.T, token, email string, qty int) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/api/checkout", token, cart(email, qty))
	require.Equal(t, http.StatusOK, code, body)
	return body["orderId"].(string)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 100)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCheckout_ResponseShape(t *testing.T) {
	f := newFixture(t, 100)

	code, body := f.do(t, http.MethodPost, "/api/checkout", "", cart("buyer@example.com", 1))
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["clientSecret"])
	assert.NotEmpty(t, body["orderId"])
	assert.InDelta(t, 20.00, body["subtotal"], 0.001)
	assert.InDelta(t, 5.99, body["shipping"], 0.001)
	assert.InDelta(t, 25.99, body["total"], 0.001)
	assert.Equal(t, 4, f.store.Stock("v1"))
}

func TestCheckout_Errors(t *testing.T) {
	f := newFixture(t, 100)

	code, body := f.do(t, http.MethodPost, "/api/checkout", "", checkout.Request{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Cart is empty", body["error"])

	code, body = f.do(t, http.MethodPost, "/api/checkout", "", cart("buyer@example.com", 6))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "Insufficient stock")

	f.gw.TaxErr = errors.New("tax service down")
	code, body = f.do(t, http.MethodPost, "/api/checkout", "", cart("buyer@example.com", 1))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body["error"], "Unable to calculate tax")
	assert.Equal(t, 5, f.store.Stock("v1"))
}

func TestVerify_FollowsWebhook(t *testing.T) {
	f := newFixture(t, 100)
	id := f.placeOrder(t, "", "buyer@example.com", 2)
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)

	code, body := f.do(t, http.MethodPost, "/api/orders/verify", "", map[string]string{"orderId": id})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["valid"])
	assert.False(t, f.mr.Exists("order_status:"+id), "pending orders are not cached")

	payload, sig := paymentstest.SignedEvent(webhookSecret, "evt_1", payments.EventPaymentSucceeded, o.PaymentIntentID)
	code, body = f.webhook(t, payload, sig)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["received"])

	code, body = f.do(t, http.MethodPost, "/api/orders/verify", "", map[string]string{"orderId": id})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "PAID", body["status"])
	assert.Equal(t, o.OrderNumber(), body["orderNumber"])
	assert.InDelta(t, o.TotalCents.Float(), body["total"], 0.001)

	assert.True(t, f.mr.Exists("order_status:"+id))

	_, body = f.do(t, http.MethodPost, "/api/orders/verify", "", map[string]string{"orderId": id, "email": "someone@else.com"})
	assert.Equal(t, false, body["valid"])
	_, body = f.do(t, http.MethodPost, "/api/orders/verify", "", map[string]string{"orderId": id, "email": "BUYER@example.com"})
	assert.Equal(t, true, body["valid"])
}

// payingStore confirms the order's payment in the middle of the first Get,
// after the order was read.
type payingStore struct {
	orders.Store
	events orders.Events
	once   sync.Once
}

func (s *payingStore) Get(ctx context.Context, id string) (orders.Order, error) {
	o, err := s.Store.Get(ctx, id)
	s.once.Do(func() {
		if _, ok, _ := s.Store.MarkPaid(ctx, orders.ByID(id)); ok {
			s.events.StatusChanged(ctx, id, orders.StatusPending, orders.StatusPaid, "webhook")
		}
	})
	return o, err
}

func TestVerify_PaymentDuringReadIsNotMasked(t *testing.T) {
	f := newFixture(t, 100)
	id := f.placeOrder(t, "", "buyer@example.com", 1)

	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisx.NewStatusCache(rdb, time.Minute)
	store := &payingStore{Store: f.store, events: orderevents.New(discard, nopSender{}, cache, "test")}
	r := NewRouter()
	(&OrdersHandler{Log: discard, Store: store, Cache: cache}).Register(r)

	poll := func() map[string]any {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/orders/verify", strings.NewReader(`{"orderId":"`+id+`"}`)))
		require.Equal(t, http.StatusOK, rr.Code)
		var out map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		return out
	}

	assert.Equal(t, false, poll()["valid"], "first poll saw the PENDING snapshot")
	f.mr.FastForward(30 * time.Second)
	second := poll()
	assert.Equal(t, true, second["valid"])
	assert.Equal(t, "PAID", second["status"])
}

func TestVerify_BadInput(t *testing.T) {
	f := newFixture(t, 100)

	code, body := f.do(t, http.MethodPost, "/api/orders/verify", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["valid"])

	code, body = f.do(t, http.MethodPost, "/api/orders/verify", "", map[string]string{"orderId": "missing"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["valid"])
}

func TestWebhook(t *testing.T) {
	f := newFixture(t, 100)
	id := f.placeOrder(t, "", "buyer@example.com", 3)
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)

	payload, _ := paymentstest.SignedEvent(webhookSecret, "evt_1", payments.EventPaymentFailed, o.PaymentIntentID)
	code, body := f.webhook(t, payload, "forged")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid signature", body["error"])
	assert.Equal(t, 2, f.store.Stock("v1"))

	code, body = f.webhook(t, payload, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	payload, sig := paymentstest.SignedEvent(webhookSecret, "evt_1", payments.EventPaymentFailed, o.PaymentIntentID)
	for i := 0; i < 2; i++ {
		code, body = f.webhook(t, payload, sig)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["received"])
	}
	assert.Equal(t, 5, f.store.Stock("v1"))

	payload, sig = paymentstest.SignedEvent(webhookSecret, "evt_2", payments.EventPaymentSucceeded, "pi_unknown")
	code, _ = f.webhook(t, payload, sig)
	assert.Equal(t, http.StatusOK, code)
}

func TestLookup(t *testing.T) {
	f := newFixture(t, 100)
	first := f.placeOrder(t, "", "buyer@example.com", 1)
	second := f.placeOrder(t, "", "Buyer@Example.com", 1)
	f.placeOrder(t, "", "other@example.com", 1)

	code, body := f.do(t, http.MethodPost, "/api/orders/lookup", "", map[string]string{"email": "  BUYER@example.com "})
	require.Equal(t, http.StatusOK, code)
	list := body["orders"].([]any)
	require.Len(t, list, 2)
	ids := []any{list[0].(map[string]any)["id"], list[1].(map[string]any)["id"]}
	assert.ElementsMatch(t, []any{first, second}, ids)

	o := list[0].(map[string]any)
	assert.Len(t, o["orderNumber"], 8)
	assert.EqualValues(t, 1, o["itemCount"])
	assert.NotContains(t, o, "customerEmail")
	items := o["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Tee", items[0].(map[string]any)["productName"])

	code, body = f.do(t, http.MethodPost, "/api/orders/lookup", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Email is required", body["error"])
}

func TestLookup_RateLimited(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		code, _ := f.do(t, http.MethodPost, "/api/orders/lookup", "", map[string]string{"email": "a@b.co"})
		require.Equal(t, http.StatusOK, code)
	}
	code, body := f.do(t, http.MethodPost, "/api/orders/lookup", "", map[string]string{"email": "a@b.co"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.NotEmpty(t, body["error"])
}

func TestRateLimit_FailOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	h := RateLimit(redisx.NewLimiter(rdb, 1, time.Minute), discard, "x")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rr.Code)
	}
}

func TestAccountOrders(t *testing.T) {
	f := newFixture(t, 100)
	member := f.token(t, auth.Caller{UserID: "u1", Email: "member@example.com"})
	mine := f.placeOrder(t, member, "member@example.com", 1)
	f.placeOrder(t, "", "guest@example.com", 1)

	code, _ := f.do(t, http.MethodGet, "/api/account/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/api/account/orders", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := f.do(t, http.MethodGet, "/api/account/orders", member, nil)
	require.Equal(t, http.StatusOK, code)
	list := body["orders"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, mine, list[0].(map[string]any)["id"])
	assert.Equal(t, "Member", list[0].(map[string]any)["customerName"])

	_, body = f.do(t, http.MethodGet, "/api/account/orders?status=PAID", member, nil)
	assert.Empty(t, body["orders"])

	code, _ = f.do(t, http.MethodGet, "/api/account/orders?status=bogus", member, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmin_RequiresAdmin(t *testing.T) {
	f := newFixture(t, 100)
	member := f.token(t, auth.Caller{UserID: "u1"})

	for _, path := range []string{"/api/admin/orders", "/api/admin/orders/x"} {
		code, body := f.do(t, http.MethodGet, path, member, nil)
		assert.Equal(t, http.StatusUnauthorized, code, path)
		assert.Equal(t, "Unauthorized", body["error"])
	}
}

func TestAdmin_OverrideStatus(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.token(t, auth.Caller{UserID: "admin", Admin: true})
	id := f.placeOrder(t, "", "buyer@example.com", 2)
	require.Equal(t, 3, f.store.Stock("v1"))

	code, body := f.do(t, http.MethodPut, "/api/admin/orders/"+id, admin, map[string]string{"status": "shipping"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid status", body["error"])

	code, body = f.do(t, http.MethodPut, "/api/admin/orders/"+id, admin, map[string]string{"status": "SHIPPED"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "Cannot change status")

	code, body = f.do(t, http.MethodPut, "/api/admin/orders/"+id, admin, map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"id": id, "status": "CANCELLED"}, body["order"])
	assert.Equal(t, 5, f.store.Stock("v1"))

	code, body = f.do(t, http.MethodGet, "/api/admin/orders/"+id, admin, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CANCELLED", body["status"])
	assert.Equal(t, "buyer@example.com", body["customerEmail"])

	code, _ = f.do(t, http.MethodGet, "/api/admin/orders/nope", admin, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdmin_ListSweepsFirst(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.token(t, auth.Caller{UserID: "admin", Admin: true})

	f.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	stale := f.placeOrder(t, "", "buyer@example.com", 2)
	f.store.SetClock(time.Now)
	fresh := f.placeOrder(t, "", "buyer@example.com", 1)
	require.Equal(t, 2, f.store.Stock("v1"))

	code, body := f.do(t, http.MethodGet, "/api/admin/orders?status=all", admin, nil)
	require.Equal(t, http.StatusOK, code)
	statuses := map[any]any{}
	for _, o := range body["orders"].([]any) {
		m := o.(map[string]any)
		statuses[m["id"]] = m["status"]
	}
	assert.Equal(t, "CANCELLED", statuses[stale])
	assert.Equal(t, "PENDING", statuses[fresh])
	assert.Equal(t, 4, f.store.Stock("v1"))

	_, body = f.do(t, http.MethodGet, "/api/admin/orders?status=PENDING", admin, nil)
	assert.Len(t, body["orders"], 1)
}

func TestAdmin_SweepEndpoint(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.token(t, auth.Caller{UserID: "admin", Admin: true})

	f.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	paid := f.placeOrder(t, "", "buyer@example.com", 1)
	f.placeOrder(t, "", "buyer@example.com", 1)
	o, err := f.store.Get(context.Background(), paid)
	require.NoError(t, err)
	f.gw.SetState(o.PaymentIntentID, payments.StateSucceeded, nil)

	code, body := f.do(t, http.MethodPost, "/api/admin/orders/sweep?limit=10", admin, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["checked"])
	assert.EqualValues(t, 1, body["markedPaid"])
	assert.EqualValues(t, 1, body["cancelled"])

	code, _ = f.do(t, http.MethodPost, "/api/admin/orders/sweep?limit=x", admin, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmin_SetStock(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.token(t, auth.Caller{UserID: "admin", Admin: true})

	code, body := f.do(t, http.MethodPut, "/api/admin/variants/v1/stock", admin, map[string]int{"stock": 12})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 12, body["stock"])
	assert.Equal(t, 12, f.store.Stock("v1"))

	code, _ = f.do(t, http.MethodPut, "/api/admin/variants/v1/stock", admin, map[string]int{"stock": -1})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPut, "/api/admin/variants/v1/stock", admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPut, "/api/admin/variants/nope/stock", admin, map[string]int{"stock": 1})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCatalog(t *testing.T) {
	f := newFixture(t, 100)

	code, body := f.do(t, http.MethodGet, "/api/products", "", nil)
	require.Equal(t, http.StatusOK, code)
	ps := body["products"].([]any)
	require.Len(t, ps, 1)
	assert.Equal(t, "Tee", ps[0].(map[string]any)["name"])
	assert.True(t, f.mr.Exists("catalog:store"))

	code, _ = f.do(t, http.MethodGet, "/api/products/refresh?key=wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.True(t, f.mr.Exists("catalog:store"))

	code, body = f.do(t, http.MethodGet, "/api/products/refresh?key="+bustKey, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.False(t, f.mr.Exists("catalog:store"))
}
