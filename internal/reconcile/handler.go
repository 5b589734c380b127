package reconcile

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

// Handler exposes the processor webhook endpoint. The shared-secret check
// is applied by the router middleware, not here.
type Handler struct {
	gateway *Gateway
	log     *slog.Logger
}

func NewHandler(gateway *Gateway, log *slog.Logger) *Handler {
	return &Handler{gateway: gateway, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/payments", h.handleWebhook)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}

	if err := h.gateway.ProcessWebhook(r.Context(), body); err != nil {
		h.log.Error("webhook processing failed", "error", err)
		// Non-2xx makes the processor redeliver; the engine transitions
		// are idempotent so the retry is safe.
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
