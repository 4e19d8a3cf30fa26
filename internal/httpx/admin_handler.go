package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/sweeper"
)

// Sweeper is satisfied by *sweeper.Sweeper.
type Sweeper interface {
	Sweep(ctx context.Context, limit int) (sweeper.Summary, error)
}

type AdminHandler struct {
	Log     *slog.Logger
	Store   orders.Store
	Events  orders.Events
	Sweeper Sweeper
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Get("/api/admin/orders", h.list)
		r.Post("/api/admin/orders/sweep", h.sweep)
		r.Get("/api/admin/orders/{id}", h.get)
		r.Put("/api/admin/orders/{id}", h.update)
		r.Put("/api/admin/variants/{id}/stock", h.setStock)
	})
}

func (h *AdminHandler) list(w http.ResponseWriter, r *http.Request) {
	f, ok := statusFilter(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid status"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if h.Sweeper != nil {
		if _, err := h.Sweeper.Sweep(ctx, 0); err != nil {
			h.Log.WarnContext(ctx, "pre-list sweep failed", "err", err)
		}
	}

	os, err := h.Store.List(ctx, f)
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to fetch orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": toViews(os, true)})
}

func (h *AdminHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to fetch order")
		return
	}
	writeJSON(w, http.StatusOK, toView(o, true))
}

func (h *AdminHandler) update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.Log, err, "")
		return
	}
	to, ok := orders.ParseStatus(req.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid status"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := orders.ApplyOverride(ctx, h.Store, h.Events, chi.URLParam(r, "id"), to)
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to update order")
		return
	}
	h.Log.InfoContext(ctx, "order status overridden", "order_id", o.ID, "status", o.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"order":   map[string]any{"id": o.ID, "status": o.Status},
	})
}

func (h *AdminHandler) sweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("Sweeper not configured"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("Invalid limit"))
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 14*time.Second)
	defer cancel()

	sum, err := h.Sweeper.Sweep(ctx, limit)
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to sweep pending orders")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *AdminHandler) setStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stock *int `json:"stock"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.Log, err, "")
		return
	}
	if req.Stock == nil {
		writeError(w, r, h.Log, apperr.Validation("Stock is required"), "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if err := h.Store.SetStock(ctx, id, *req.Stock); err != nil {
		writeError(w, r, h.Log, err, "Failed to update stock")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "stock": *req.Stock})
}
