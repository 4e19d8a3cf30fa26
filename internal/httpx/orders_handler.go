package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

// StatusCache is satisfied by *redisx.StatusCache.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error)
	Set(ctx context.Context, st redisx.OrderStatus) error
}

type OrdersHandler struct {
	Log     *slog.Logger
	Store   orders.Store
	Cache   StatusCache
	Limiter Limiter
}

type verifyReq struct {
	OrderID string `json:"orderId"`
	Email   string `json:"email"`
}

type verifyResp struct {
	Valid       bool    `json:"valid"`
	OrderNumber string  `json:"orderNumber,omitempty"`
	Total       float64 `json:"total,omitempty"`
	Status      string  `json:"status,omitempty"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/api/orders/verify", h.verify)
	r.With(RateLimit(h.Limiter, h.Log, "lookup")).Post("/api/orders/lookup", h.lookup)
	r.With(auth.RequireUser).Get("/api/account/orders", h.account)
}

func (h *OrdersHandler) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyReq
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.OrderID) == "" {
		writeJSON(w, http.StatusBadRequest, verifyResp{})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st, found, err := h.status(ctx, req.OrderID)
	if err != nil {
		h.Log.ErrorContext(ctx, "order verify failed", "order_id", req.OrderID, "err", err)
		writeJSON(w, http.StatusInternalServerError, verifyResp{})
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, verifyResp{})
		return
	}
	if req.Email != "" && orders.NormalizeEmail(req.Email) != orders.NormalizeEmail(st.Email) {
		writeJSON(w, http.StatusOK, verifyResp{})
		return
	}
	if !orders.Status(st.Status).Confirmed() {
		writeJSON(w, http.StatusOK, verifyResp{})
		return
	}
	writeJSON(w, http.StatusOK, verifyResp{
		Valid:       true,
		OrderNumber: st.OrderNumber,
		Total:       orders.Cents(st.TotalCents).Float(),
		Status:      st.Status,
	})
}

// status reads through the cache. Cache errors fall back to the store.
// Only resolved orders are written back.
func (h *OrdersHandler) status(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error) {
	if h.Cache != nil {
		st, ok, err := h.Cache.Get(ctx, orderID)
		if err == nil && ok {
			return st, true, nil
		}
		if err != nil {
			h.Log.WarnContext(ctx, "status cache read failed", "order_id", orderID, "err", err)
		}
	}

	o, err := h.Store.Get(ctx, orderID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return redisx.OrderStatus{}, false, nil
	}
	if err != nil {
		return redisx.OrderStatus{}, false, err
	}
	st := redisx.OrderStatus{
		OrderID:     o.ID,
		Status:      string(o.Status),
		OrderNumber: o.OrderNumber(),
		TotalCents:  int64(o.TotalCents),
		Email:       o.ContactEmail(),
		UpdatedAt:   o.UpdatedAt,
	}
	// PENDING is never cached: a webhook landing between the read above and
	// the write below would have its invalidation overwritten.
	if h.Cache != nil && o.Status != orders.StatusPending {
		if err := h.Cache.Set(ctx, st); err != nil {
			h.Log.WarnContext(ctx, "status cache write failed", "order_id", orderID, "err", err)
		}
	}
	return st, true, nil
}

func (h *OrdersHandler) lookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Email) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("Email is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	os, err := h.Store.List(ctx, orders.ListFilter{Email: orders.NormalizeEmail(req.Email)})
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to lookup orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": toViews(os, false)})
}

func (h *OrdersHandler) account(w http.ResponseWriter, r *http.Request) {
	f, ok := statusFilter(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid status"))
		return
	}
	f.UserID = auth.FromContext(r.Context()).UserID

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	os, err := h.Store.List(ctx, f)
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to fetch orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": toViews(os, false)})
}

// statusFilter reads ?status=. Empty and "all" select every status.
func statusFilter(r *http.Request) (orders.ListFilter, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" || strings.EqualFold(raw, "all") {
		return orders.ListFilter{}, true
	}
	st, ok := orders.ParseStatus(raw)
	if !ok {
		return orders.ListFilter{}, false
	}
	return orders.ListFilter{Status: st}, true
}
