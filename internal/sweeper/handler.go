package sweeper

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the cron-triggered sweep endpoint as an alternative to the
// in-process ticker. The shared-secret check is applied by the router.
type Handler struct {
	sweeper *Sweeper
	log     *slog.Logger
}

func NewHandler(s *Sweeper, log *slog.Logger) *Handler {
	return &Handler{sweeper: s, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/internal/sweep", h.handleSweep)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.log.Error("triggered sweep failed", "error", err)
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"scanned":      result.Scanned,
		"expired":      result.Expired,
		"skipped":      result.Skipped,
		"sales_closed": result.SalesClosed,
	})
}
