// Package gating decides whether a buyer may create a reservation. The
// decision is a pure function over the buyer's KYC status, the sale's
// requirement, and the requested spend; thresholds come from configuration so
// operators can retune without a code change.
package gating

import (
	"context"

	"github.com/shopspring/decimal"

	id "salecore/pkg/domain"
)

// Decision is the outcome of a gating evaluation.
type Decision string

const (
	// DecisionAllow admits the reservation attempt.
	DecisionAllow Decision = "allow"
	// DecisionRequireKYC defers the attempt until verification completes.
	// This is not a block: the buyer is told what is missing.
	DecisionRequireKYC Decision = "require_kyc"
	// DecisionBlock is terminal: rejected verification or a restriction-list
	// hit. The buyer cannot proceed by verifying.
	DecisionBlock Decision = "block"
)

// KYCState is the buyer's verification state as reported by the external
// verification subsystem.
type KYCState string

const (
	KYCUnverified KYCState = "unverified"
	KYCPending    KYCState = "pending"
	KYCVerified   KYCState = "verified"
	KYCRejected   KYCState = "rejected"
)

// KYCStatus is the gating input for one buyer. Restricted reflects a
// restriction-list lookup performed by the external subsystem.
type KYCStatus struct {
	Tier       int      `json:"tier"`
	State      KYCState `json:"state"`
	Restricted bool     `json:"restricted"`
}

// KYCSource reads a buyer's current verification status. Owned by an external
// subsystem; this core only consumes it.
type KYCSource interface {
	Status(ctx context.Context, buyerID id.BuyerID) (KYCStatus, error)
}

// Thresholds are the operator-tunable gating knobs.
type Thresholds struct {
	// EnhancedScrutinyAmount is the spend (in the sale's price currency)
	// above which EnhancedTier is required regardless of sale settings.
	EnhancedScrutinyAmount decimal.Decimal
	// EnhancedTier is the verification tier demanded above the amount.
	EnhancedTier int
}

// Input bundles everything Evaluate needs.
type Input struct {
	Buyer KYCStatus
	// SaleRequiresKYC and SaleMinTier mirror the sale's own requirement.
	SaleRequiresKYC bool
	SaleMinTier     int
	// RequestedCost is the quoted total spend, in the sale's price currency.
	RequestedCost decimal.Decimal
}

// Evaluate applies the gating policy. Pure: no I/O, no clock.
func Evaluate(in Input, th Thresholds) Decision {
	if in.Buyer.Restricted || in.Buyer.State == KYCRejected {
		return DecisionBlock
	}

	required := 0
	if in.SaleRequiresKYC {
		required = in.SaleMinTier
		if required < 1 {
			required = 1
		}
	}
	if th.EnhancedTier > required && th.EnhancedScrutinyAmount.IsPositive() &&
		in.RequestedCost.GreaterThan(th.EnhancedScrutinyAmount) {
		required = th.EnhancedTier
	}

	if required == 0 {
		return DecisionAllow
	}
	if in.Buyer.State == KYCVerified && in.Buyer.Tier >= required {
		return DecisionAllow
	}
	return DecisionRequireKYC
}
