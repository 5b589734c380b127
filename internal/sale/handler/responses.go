package handler

import (
	"time"

	"salecore/internal/sale/models"
)

// ReservationResponse is the wire form of a reservation.
type ReservationResponse struct {
	ID           string        `json:"id"`
	SaleID       string        `json:"sale_id"`
	Rail         string        `json:"rail"`
	Quantity     string        `json:"quantity"`
	Quote        QuoteResponse `json:"quote"`
	Status       string        `json:"status"`
	RejectReason string        `json:"reject_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// QuoteResponse is the frozen conversion attached to a reservation.
type QuoteResponse struct {
	SourceCurrency string    `json:"source_currency"`
	TargetAsset    string    `json:"target_asset"`
	Rate           string    `json:"rate"`
	UnitPrice      string    `json:"unit_price"`
	TotalCost      string    `json:"total_cost"`
	FeeApplied     bool      `json:"fee_applied"`
	ComputedAt     time.Time `json:"computed_at"`
}

// SaleResponse is the public snapshot of a sale. Counters are exposed so
// buyers can see remaining capacity; buyer-level detail is not.
type SaleResponse struct {
	ID            string    `json:"id"`
	TokenSymbol   string    `json:"token_symbol"`
	TotalSupply   string    `json:"total_supply"`
	Available     string    `json:"available"`
	UnitPrice     string    `json:"unit_price"`
	PriceCurrency string    `json:"price_currency"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	Open          bool      `json:"open"`
	KYCRequired   bool      `json:"kyc_required"`
	Rails         []string  `json:"rails"`
}

func fromReservation(r models.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:           r.ID.String(),
		SaleID:       r.SaleID.String(),
		Rail:         string(r.Rail),
		Quantity:     r.Quantity.String(),
		Quote:        fromQuote(r.Quote),
		Status:       string(r.Status),
		RejectReason: r.RejectReason,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		ResolvedAt:   r.ResolvedAt,
	}
}

func fromQuote(q models.Quote) QuoteResponse {
	return QuoteResponse{
		SourceCurrency: q.SourceCurrency,
		TargetAsset:    q.TargetAsset,
		Rate:           q.Rate.String(),
		UnitPrice:      q.UnitPrice.String(),
		TotalCost:      q.TotalCost.String(),
		FeeApplied:     q.FeeApplied,
		ComputedAt:     q.ComputedAt,
	}
}

func fromSale(s models.Sale, now time.Time) SaleResponse {
	rails := make([]string, 0, len(s.Rails))
	for _, r := range s.Rails {
		rails = append(rails, string(r))
	}
	return SaleResponse{
		ID:            s.ID.String(),
		TokenSymbol:   s.TokenSymbol,
		TotalSupply:   s.TotalSupply.String(),
		Available:     s.Available().String(),
		UnitPrice:     s.UnitPrice.String(),
		PriceCurrency: s.PriceCurrency,
		StartsAt:      s.StartsAt,
		EndsAt:        s.EndsAt,
		Open:          s.OpenAt(now),
		KYCRequired:   s.KYCRequired,
		Rails:         rails,
	}
}
