// Package httptransport assembles the HTTP surface: buyer routes behind
// bearer auth, operational routes behind shared secrets, and the unguarded
// health and metrics endpoints.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salecore/internal/platform/metrics"
	"salecore/internal/platform/middleware"
	"salecore/internal/reconcile"
	salehandler "salecore/internal/sale/handler"
	"salecore/internal/sweeper"
)

// Deps carries everything the router mounts.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	BuyerAuth middleware.BuyerTokenValidator

	Sale    *salehandler.Handler
	Admin   *salehandler.AdminHandler
	Webhook *reconcile.Handler
	Sweep   *sweeper.Handler

	WebhookSecret string
	SweepSecret   string

	Health func() error
}

// NewRouter builds the full route tree.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Latency(d.Metrics))

	r.Get("/healthz", handleHealth(d.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))

	// Buyer surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireBuyer(d.BuyerAuth, d.Logger))
		d.Sale.RegisterRoutes(r)
	})

	// Payment processor surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSharedSecret(d.WebhookSecret, d.Logger))
		d.Webhook.RegisterRoutes(r)
	})

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSharedSecret(d.SweepSecret, d.Logger))
		d.Sweep.RegisterRoutes(r)
		d.Admin.RegisterRoutes(r)
	})

	return r
}

func handleHealth(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
