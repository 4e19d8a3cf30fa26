package httpx

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-orders/internal/reconcile"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	Log        *slog.Logger
	Reconciler *reconcile.Reconciler
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/api/webhooks/stripe", h.stripe)
}

func (h *WebhookHandler) stripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Unreadable body"))
		return
	}
	if _, err := h.Reconciler.Handle(r.Context(), body, r.Header.Get("Stripe-Signature")); err != nil {
		writeError(w, r, h.Log, err, "Webhook handler failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
