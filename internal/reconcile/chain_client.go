package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPChainClient reads transaction state from the chain gateway's
// read-only status endpoint.
type HTTPChainClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChainClient builds a client against the gateway's base URL.
func NewHTTPChainClient(baseURL string, timeout time.Duration) *HTTPChainClient {
	return &HTTPChainClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// TxStatus implements ChainClient. A 404 means the transaction has not been
// seen by the gateway yet, which is normal right after submission.
func (c *HTTPChainClient) TxStatus(ctx context.Context, chainID, txHash string) (TxStatus, error) {
	url := fmt.Sprintf("%s/chains/%s/transactions/%s", c.baseURL, chainID, txHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return TxStatus{}, fmt.Errorf("build tx status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return TxStatus{}, fmt.Errorf("fetch tx status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var status struct {
			Confirmations int  `json:"confirmations"`
			Failed        bool `json:"failed"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return TxStatus{}, fmt.Errorf("decode tx status: %w", err)
		}
		return TxStatus{Confirmations: status.Confirmations, Failed: status.Failed}, nil
	case http.StatusNotFound:
		return TxStatus{}, ErrTxNotFound
	default:
		return TxStatus{}, fmt.Errorf("tx status endpoint returned %d", resp.StatusCode)
	}
}
