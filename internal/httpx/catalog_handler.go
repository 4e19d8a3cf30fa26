package httpx

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-orders/internal/catalog"
)

type CatalogHandler struct {
	Log     *slog.Logger
	Cache   *catalog.Cache
	BustKey string
}

func (h *CatalogHandler) Register(r chi.Router) {
	r.Get("/api/products", h.list)
	r.Get("/api/products/refresh", h.refresh)
}

func (h *CatalogHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ps, err := h.Cache.GetOrRefresh(ctx)
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to fetch products")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": ps})
}

func (h *CatalogHandler) refresh(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if h.BustKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.BustKey)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorBody("Unauthorized"))
		return
	}
	if err := h.Cache.Invalidate(r.Context()); err != nil {
		writeError(w, r, h.Log, err, "Failed to clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Cache cleared"})
}
