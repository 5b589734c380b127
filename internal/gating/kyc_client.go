package gating

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	id "salecore/pkg/domain"
)

// HTTPKYCSource reads buyer verification status from the external
// verification subsystem's read-only status endpoint.
type HTTPKYCSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPKYCSource builds a source against the verifier's base URL.
func NewHTTPKYCSource(baseURL string, timeout time.Duration) *HTTPKYCSource {
	return &HTTPKYCSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Status implements KYCSource. Unknown buyers come back as unverified tier 0,
// matching the verifier's contract for identities it has never seen.
func (s *HTTPKYCSource) Status(ctx context.Context, buyerID id.BuyerID) (KYCStatus, error) {
	url := fmt.Sprintf("%s/kyc/status/%s", s.baseURL, buyerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return KYCStatus{}, fmt.Errorf("build kyc status request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return KYCStatus{}, fmt.Errorf("fetch kyc status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var status KYCStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return KYCStatus{}, fmt.Errorf("decode kyc status: %w", err)
		}
		return status, nil
	case http.StatusNotFound:
		return KYCStatus{State: KYCUnverified}, nil
	default:
		return KYCStatus{}, fmt.Errorf("kyc status endpoint returned %d", resp.StatusCode)
	}
}
