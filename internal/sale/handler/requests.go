package handler

// CreateReservationRequest is the body of POST /sales/{saleID}/reservations.
// The spend is in the buyer's source currency; the engine converts it into a
// token quantity at the frozen quote.
type CreateReservationRequest struct {
	Rail               string `json:"rail"`
	SpendCurrency      string `json:"spend_currency"`
	SpendAmount        string `json:"spend_amount"`
	DestinationAddress string `json:"destination_address"`
}

// AttachPaymentRequest is the body of POST /reservations/{id}/payment.
// Buyers submit the chain transaction they paid with so the poller can track
// it to confirmation depth.
type AttachPaymentRequest struct {
	ChainID string `json:"chain_id"`
	TxHash  string `json:"tx_hash"`
}
