package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"salecore/internal/sale/models"
	"salecore/internal/transport/http/shared"
)

// AdminService defines the operator-facing queries.
type AdminService interface {
	ListAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error)
}

// AdminHandler exposes the manual-reconciliation queue. Routes are mounted
// behind the operator shared secret, not buyer auth.
type AdminHandler struct {
	service AdminService
}

func NewAdmin(service AdminService) *AdminHandler {
	return &AdminHandler{service: service}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/internal/anomalies", h.handleListAnomalies)
}

// AnomalyResponse is the wire form of a reconciliation anomaly.
type AnomalyResponse struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	Kind          string    `json:"kind"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *AdminHandler) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	anomalies, err := h.service.ListAnomalies(r.Context(), limit)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	out := make([]AnomalyResponse, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, AnomalyResponse{
			ID:            a.ID,
			ReservationID: a.ReservationID.String(),
			Kind:          string(a.Kind),
			Detail:        a.Detail,
			CreatedAt:     a.CreatedAt,
		})
	}
	shared.WriteJSON(w, http.StatusOK, out)
}
