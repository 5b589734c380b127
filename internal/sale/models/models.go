// Package models defines the entities of the token-sale allocation core: the
// sale with its capacity counters, the reservation state machine, frozen
// quotes, and distribution intents. All quantity and money arithmetic uses
// decimal fixed-point; float64 never touches a balance.
package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "salecore/pkg/domain"
)

// Rail is the payment channel used to settle a reservation.
type Rail string

const (
	RailCrypto Rail = "crypto"
	RailFiat   Rail = "fiat"
)

// Valid reports whether r is a known rail.
func (r Rail) Valid() bool {
	return r == RailCrypto || r == RailFiat
}

// ReservationStatus is the reservation state machine. PENDING is the only
// non-terminal state; every other state is final and append-only history.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusRejected  ReservationStatus = "rejected"
	StatusCancelled ReservationStatus = "cancelled"
	StatusExpired   ReservationStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s ReservationStatus) Terminal() bool {
	return s != StatusPending
}

// Sale is a time-boxed, capacity-limited offer of one token.
//
// Reserved and Confirmed are authoritative counters mutated only by the
// allocation engine, inside the same transaction as the reservation row they
// account for. Invariant at every commit: Reserved + Confirmed <= TotalSupply
// and both counters >= 0.
type Sale struct {
	ID            id.SaleID
	TokenSymbol   string
	TotalSupply   decimal.Decimal
	Reserved      decimal.Decimal
	Confirmed     decimal.Decimal
	UnitPrice     decimal.Decimal
	PriceCurrency string
	StartsAt      time.Time
	EndsAt        time.Time
	Closed        bool
	KYCRequired   bool
	MinKYCTier    int
	Rails         []Rail
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available returns the unreserved, unconfirmed remainder of the supply.
func (s Sale) Available() decimal.Decimal {
	return s.TotalSupply.Sub(s.Reserved).Sub(s.Confirmed)
}

// OpenAt reports whether the sale accepts new reservations at the given time.
func (s Sale) OpenAt(now time.Time) bool {
	if s.Closed {
		return false
	}
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// AcceptsRail reports whether the sale settles through the given rail.
func (s Sale) AcceptsRail(r Rail) bool {
	for _, accepted := range s.Rails {
		if accepted == r {
			return true
		}
	}
	return false
}

// CountersValid reports whether the capacity invariant holds.
func (s Sale) CountersValid() bool {
	if s.Reserved.IsNegative() || s.Confirmed.IsNegative() {
		return false
	}
	return s.Reserved.Add(s.Confirmed).LessThanOrEqual(s.TotalSupply)
}

// Quote is the price conversion frozen onto a reservation at creation time.
// Later rate movement never changes what the buyer owes.
type Quote struct {
	SourceCurrency string
	TargetAsset    string
	Rate           decimal.Decimal
	Precision      int32
	UnitPrice      decimal.Decimal
	TotalCost      decimal.Decimal
	FeeApplied     bool
	ComputedAt     time.Time
}

// Reservation metadata keys. Destination is captured at creation; the
// submitted payment reference is the chain poller's input, not confirmation
// evidence, which only the confirm transition attaches.
const (
	MetaDestination = "destination_address"
	MetaChainID     = "submitted_chain_id"
	MetaTxHash      = "submitted_tx_hash"
)

// Reservation is one buyer's claim against one sale's capacity.
type Reservation struct {
	ID           id.ReservationID
	SaleID       id.SaleID
	BuyerID      id.BuyerID
	Rail         Rail
	Quantity     decimal.Decimal
	Quote        Quote
	Status       ReservationStatus
	Evidence     *Evidence
	RejectReason string
	Metadata     map[string]string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ResolvedAt   *time.Time
}

// ExpiredAt reports whether the reservation's evidence window has closed.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Distribution records the intent to deliver tokens for a confirmed
// reservation. Created exactly once by the confirm transition; delivery
// execution is an external subsystem.
type Distribution struct {
	ReservationID id.ReservationID
	SaleID        id.SaleID
	BuyerID       id.BuyerID
	TokenSymbol   string
	Destination   string
	Quantity      decimal.Decimal
	DeliveryRef   string
	CreatedAt     time.Time
}

// AnomalyKind classifies records requiring manual reconciliation.
type AnomalyKind string

const (
	// AnomalyLateConfirmation is raised when payment evidence arrives for a
	// reservation whose slot was already released by expiry. Funds may have
	// moved; this must surface to an operator, not be swallowed.
	AnomalyLateConfirmation AnomalyKind = "late_confirmation"
)

// Anomaly is a financial-consistency incident surfaced for manual review.
type Anomaly struct {
	ID            string
	ReservationID id.ReservationID
	Kind          AnomalyKind
	Detail        string
	CreatedAt     time.Time
}
