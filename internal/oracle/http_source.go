package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	dErrors "salecore/pkg/domain-errors"
)

// HTTPSource reads conversion rates from the market data feed's REST
// endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a source against the feed's base URL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Rate implements RateSource. A pair the feed does not serve surfaces as
// RateUnavailable, the same as a feed outage; callers cannot tell the
// difference and should not need to.
func (s *HTTPSource) Rate(ctx context.Context, source, target string) (Rate, error) {
	url := fmt.Sprintf("%s/rates/%s/%s", s.baseURL, source, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Rate{}, dErrors.Wrap(err, dErrors.CodeRateUnavailable, "build rate request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Rate{}, dErrors.Wrap(err, dErrors.CodeRateUnavailable, "fetch rate")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Rate      decimal.Decimal `json:"rate"`
			Precision int32           `json:"precision"`
			AsOf      time.Time       `json:"as_of"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return Rate{}, dErrors.Wrap(err, dErrors.CodeRateUnavailable, "decode rate")
		}
		return Rate{
			Source:    source,
			Target:    target,
			Rate:      body.Rate,
			Precision: body.Precision,
			FetchedAt: body.AsOf,
		}, nil
	case http.StatusNotFound:
		return Rate{}, dErrors.Newf(dErrors.CodeRateUnavailable, "no rate for %s/%s", source, target)
	default:
		return Rate{}, dErrors.Newf(dErrors.CodeRateUnavailable, "rate feed returned %d", resp.StatusCode)
	}
}
