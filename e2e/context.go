// Package e2e drives a running salecore deployment end to end: a real server,
// a real database, and the mock external services (kyc-registry, rate-feed,
// chain-gateway).
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TestContext carries shared state across scenario steps: the current buyer's
// token, the last HTTP response, and identifiers saved along the way.
type TestContext struct {
	baseURL      string
	chainGateURL string
	kycURL       string
	signingKey   string
	client       *http.Client

	buyerID       string
	token         string
	saleID        string
	reservationID string

	lastStatus int
	lastBody   map[string]any
}

// NewTestContext reads the deployment endpoints from the environment.
func NewTestContext() (*TestContext, error) {
	baseURL := os.Getenv("SALECORE_E2E_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("SALECORE_E2E_BASE_URL is not set")
	}
	saleID := os.Getenv("SALECORE_E2E_SALE_ID")
	if saleID == "" {
		return nil, fmt.Errorf("SALECORE_E2E_SALE_ID is not set; seed a sale first")
	}
	signingKey := os.Getenv("SALECORE_E2E_SIGNING_KEY")
	if signingKey == "" {
		return nil, fmt.Errorf("SALECORE_E2E_SIGNING_KEY is not set")
	}
	return &TestContext{
		baseURL:      baseURL,
		chainGateURL: os.Getenv("SALECORE_E2E_CHAIN_GATEWAY_URL"),
		kycURL:       os.Getenv("SALECORE_E2E_KYC_URL"),
		signingKey:   signingKey,
		client:       &http.Client{Timeout: 10 * time.Second},
		saleID:       saleID,
	}, nil
}

// Reset starts a scenario with a fresh verified buyer and no saved state.
func (tc *TestContext) Reset() error {
	tc.buyerID = uuid.NewString()
	tc.reservationID = ""
	tc.lastStatus = 0
	tc.lastBody = nil

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   tc.buyerID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(tc.signingKey))
	if err != nil {
		return fmt.Errorf("sign buyer token: %w", err)
	}
	tc.token = signed

	return tc.SetBuyerKYC("verified", 3, false)
}

// SetBuyerKYC stages the current buyer's status in the mock registry.
func (tc *TestContext) SetBuyerKYC(state string, tier int, restricted bool) error {
	if tc.kycURL == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]any{
		"state": state, "tier": tier, "restricted": restricted,
	})
	req, err := http.NewRequest(http.MethodPut, tc.kycURL+"/kyc/status/"+tc.buyerID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("stage kyc status: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("stage kyc status: got %d", resp.StatusCode)
	}
	return nil
}

// StageChainTx registers a transaction with the mock chain gateway.
func (tc *TestContext) StageChainTx(chainID, txHash string, failed bool) error {
	if tc.chainGateURL == "" {
		return fmt.Errorf("SALECORE_E2E_CHAIN_GATEWAY_URL is not set")
	}
	body, _ := json.Marshal(map[string]any{"failed": failed})
	url := fmt.Sprintf("%s/chains/%s/transactions/%s", tc.chainGateURL, chainID, txHash)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("stage chain tx: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("stage chain tx: got %d", resp.StatusCode)
	}
	return nil
}

// POST sends an authenticated JSON request and records the response.
func (tc *TestContext) POST(path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, tc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return tc.send(req)
}

// GET sends an authenticated request and records the response.
func (tc *TestContext) GET(path string) error {
	req, err := http.NewRequest(http.MethodGet, tc.baseURL+path, nil)
	if err != nil {
		return err
	}
	return tc.send(req)
}

func (tc *TestContext) send(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+tc.token)
	resp, err := tc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody = nil
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			tc.lastBody = decoded
		}
	}
	return nil
}

// StatusCode returns the last response's HTTP status.
func (tc *TestContext) StatusCode() int { return tc.lastStatus }

// GetResponseField returns a dotted field from the last JSON response body.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	if tc.lastBody == nil {
		return nil, fmt.Errorf("no JSON body recorded")
	}
	value, ok := tc.lastBody[field]
	if !ok {
		return nil, fmt.Errorf("field %q not present in response", field)
	}
	return value, nil
}

// SaleID returns the seeded sale under test.
func (tc *TestContext) SaleID() string { return tc.saleID }

// SaveReservationID stores the id of the reservation in the last response.
func (tc *TestContext) SaveReservationID() error {
	value, err := tc.GetResponseField("id")
	if err != nil {
		return err
	}
	s, ok := value.(string)
	if !ok || s == "" {
		return fmt.Errorf("response id is not a string")
	}
	tc.reservationID = s
	return nil
}

// ReservationID returns the saved reservation id.
func (tc *TestContext) ReservationID() string { return tc.reservationID }

// WaitForReservationStatus polls the reservation until it reaches the wanted
// status or the timeout elapses.
func (tc *TestContext) WaitForReservationStatus(status string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := tc.GET("/reservations/" + tc.reservationID); err != nil {
			return err
		}
		if value, err := tc.GetResponseField("status"); err == nil {
			if s, ok := value.(string); ok && s == status {
				return nil
			}
		}
		if time.Now().After(deadline) {
			value, _ := tc.GetResponseField("status")
			return fmt.Errorf("reservation never reached %q, last status %v", status, value)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
