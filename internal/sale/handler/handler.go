// Package handler exposes the buyer-facing reservation endpoints.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"salecore/internal/sale/models"
	"salecore/internal/sale/service"
	"salecore/internal/transport/http/shared"
	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"
	"salecore/pkg/requestcontext"
)

// Service defines the allocation operations the handler drives.
type Service interface {
	CreateReservation(ctx context.Context, in service.CreateReservationInput) (models.Reservation, error)
	GetBuyerReservation(ctx context.Context, rid id.ReservationID, buyerID id.BuyerID) (models.Reservation, error)
	ListBuyerReservations(ctx context.Context, buyerID id.BuyerID) ([]models.Reservation, error)
	Cancel(ctx context.Context, rid id.ReservationID, buyerID id.BuyerID) (models.Reservation, error)
	AttachPaymentReference(ctx context.Context, rid id.ReservationID, buyerID id.BuyerID, chainID, txHash string) (models.Reservation, error)
	GetSale(ctx context.Context, saleID id.SaleID) (models.Sale, error)
}

// Watcher is notified when a buyer submits a chain payment reference so the
// transaction can be tracked to confirmation depth.
type Watcher interface {
	Watch(ctx context.Context, res models.Reservation)
}

// Handler handles reservation and sale endpoints.
type Handler struct {
	service Service
	watcher Watcher
	logger  *slog.Logger
}

// New creates a reservation Handler.
func New(service Service, watcher Watcher, logger *slog.Logger) *Handler {
	return &Handler{service: service, watcher: watcher, logger: logger}
}

// RegisterRoutes attaches the buyer routes. The router applies the buyer
// auth middleware to this group.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sales/{saleID}", h.handleGetSale)
	r.Post("/sales/{saleID}/reservations", h.handleCreateReservation)
	r.Get("/reservations", h.handleListReservations)
	r.Get("/reservations/{reservationID}", h.handleGetReservation)
	r.Post("/reservations/{reservationID}/cancel", h.handleCancel)
	r.Post("/reservations/{reservationID}/payment", h.handleAttachPayment)
}

func (h *Handler) handleGetSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := id.ParseSaleID(chi.URLParam(r, "saleID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid sale id"))
		return
	}
	sale, err := h.service.GetSale(r.Context(), saleID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, fromSale(sale, requestcontext.Now(r.Context())))
}

func (h *Handler) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID, ok := h.authedBuyer(ctx, w)
	if !ok {
		return
	}

	saleID, err := id.ParseSaleID(chi.URLParam(r, "saleID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid sale id"))
		return
	}

	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	amount, err := decimal.NewFromString(req.SpendAmount)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "spend_amount must be a decimal string"))
		return
	}

	metadata := map[string]string{}
	if req.DestinationAddress != "" {
		metadata[models.MetaDestination] = req.DestinationAddress
	}

	reservation, err := h.service.CreateReservation(ctx, service.CreateReservationInput{
		SaleID:        saleID,
		BuyerID:       buyerID,
		Rail:          models.Rail(req.Rail),
		SpendCurrency: req.SpendCurrency,
		SpendAmount:   amount,
		Metadata:      metadata,
	})
	if err != nil {
		h.logReservationFailure(ctx, err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, fromReservation(reservation))
}

func (h *Handler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID, ok := h.authedBuyer(ctx, w)
	if !ok {
		return
	}
	reservations, err := h.service.ListBuyerReservations(ctx, buyerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	out := make([]ReservationResponse, 0, len(reservations))
	for _, res := range reservations {
		out = append(out, fromReservation(res))
	}
	shared.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID, ok := h.authedBuyer(ctx, w)
	if !ok {
		return
	}
	rid, err := id.ParseReservationID(chi.URLParam(r, "reservationID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid reservation id"))
		return
	}
	reservation, err := h.service.GetBuyerReservation(ctx, rid, buyerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, fromReservation(reservation))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID, ok := h.authedBuyer(ctx, w)
	if !ok {
		return
	}
	rid, err := id.ParseReservationID(chi.URLParam(r, "reservationID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid reservation id"))
		return
	}
	reservation, err := h.service.Cancel(ctx, rid, buyerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, fromReservation(reservation))
}

func (h *Handler) handleAttachPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID, ok := h.authedBuyer(ctx, w)
	if !ok {
		return
	}
	rid, err := id.ParseReservationID(chi.URLParam(r, "reservationID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid reservation id"))
		return
	}

	var req AttachPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if req.ChainID == "" || req.TxHash == "" {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "chain_id and tx_hash are required"))
		return
	}

	reservation, err := h.service.AttachPaymentReference(ctx, rid, buyerID, req.ChainID, req.TxHash)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	h.watcher.Watch(ctx, reservation)
	shared.WriteJSON(w, http.StatusAccepted, fromReservation(reservation))
}

// authedBuyer reads the authenticated buyer from context. Missing means the
// route was mounted without the auth middleware, which is a wiring bug.
func (h *Handler) authedBuyer(ctx context.Context, w http.ResponseWriter) (id.BuyerID, bool) {
	buyerID := requestcontext.BuyerID(ctx)
	if buyerID.IsZero() {
		h.logger.ErrorContext(ctx, "buyer id missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return id.BuyerID{}, false
	}
	return buyerID, true
}

func (h *Handler) logReservationFailure(ctx context.Context, err error) {
	code := dErrors.CodeOf(err)
	switch code {
	case dErrors.CodeCapacityExceeded, dErrors.CodeGatingDenied, dErrors.CodeSaleNotOpen:
		h.logger.InfoContext(ctx, "reservation refused",
			"code", string(code),
			"request_id", requestcontext.RequestID(ctx),
		)
	case dErrors.CodeInternal:
		h.logger.ErrorContext(ctx, "reservation failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}
