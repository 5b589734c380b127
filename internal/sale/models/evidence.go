package models

import (
	dErrors "salecore/pkg/domain-errors"
)

// Evidence is the rail-specific proof of payment attached to a reservation at
// confirmation time. It is a tagged variant: the Rail field selects which of
// the two closed field sets must be populated.
//
//	crypto: ChainID + TxHash
//	fiat:   ConfirmationID (ReceiptRef optional)
type Evidence struct {
	Rail           Rail   `json:"rail"`
	ChainID        string `json:"chain_id,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`
	ReceiptRef     string `json:"receipt_ref,omitempty"`
}

// Validate checks the evidence shape against the reservation's rail.
func (e Evidence) Validate(rail Rail) error {
	if e.Rail != rail {
		return dErrors.Newf(dErrors.CodeInvalidEvidence, "evidence rail %q does not match reservation rail %q", e.Rail, rail)
	}
	switch rail {
	case RailCrypto:
		if e.ChainID == "" || e.TxHash == "" {
			return dErrors.New(dErrors.CodeInvalidEvidence, "crypto evidence requires chain_id and tx_hash")
		}
		if e.ConfirmationID != "" {
			return dErrors.New(dErrors.CodeInvalidEvidence, "crypto evidence must not carry a provider confirmation id")
		}
	case RailFiat:
		if e.ConfirmationID == "" {
			return dErrors.New(dErrors.CodeInvalidEvidence, "fiat evidence requires confirmation_id")
		}
		if e.TxHash != "" || e.ChainID != "" {
			return dErrors.New(dErrors.CodeInvalidEvidence, "fiat evidence must not carry on-chain fields")
		}
	default:
		return dErrors.Newf(dErrors.CodeInvalidEvidence, "unknown rail %q", rail)
	}
	return nil
}

// Equal reports whether two pieces of evidence describe the same payment.
// Used to make repeated confirmations idempotent: identical evidence on an
// already-confirmed reservation is a no-op success.
func (e Evidence) Equal(other Evidence) bool {
	return e == other
}
