package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
)

type CheckoutHandler struct {
	Log     *slog.Logger
	Service *checkout.Service
	Limiter Limiter
}

type checkoutResp struct {
	ClientSecret string  `json:"clientSecret"`
	OrderID      string  `json:"orderId"`
	Subtotal     float64 `json:"subtotal"`
	Shipping     float64 `json:"shipping"`
	Tax          float64 `json:"tax"`
	Total        float64 `json:"total"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.With(RateLimit(h.Limiter, h.Log, "checkout")).Post("/api/checkout", h.checkout)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.Log, err, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Service.Checkout(ctx, auth.FromContext(r.Context()).UserID, req)
	if err != nil {
		writeError(w, r, h.Log, err, "Failed to process checkout. Please try again.")
		return
	}
	writeJSON(w, http.StatusOK, checkoutResp{
		ClientSecret: res.ClientSecret,
		OrderID:      res.OrderID,
		Subtotal:     res.Subtotal.Float(),
		Shipping:     res.Shipping.Float(),
		Tax:          res.Tax.Float(),
		Total:        res.Total.Float(),
	})
}
