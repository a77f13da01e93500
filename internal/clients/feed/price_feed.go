// Package feed implements the two "well-known feed" HTTP clients of §6:
// the price feed and the supported-tokens feed, each retried with bounded
// linear backoff in the style of the teacher's exchangerate/openfigi
// HTTP clients.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/domain"
)

type priceEntry struct {
	TokenAddress string `json:"tokenAddress"`
	MinPrice     string `json:"minPrice"`
	MaxPrice     string `json:"maxPrice"`
}

// Price is one decoded price-feed entry.
type Price struct {
	TokenAddress string
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
}

// PriceFeedClient fetches `GET {baseURL}` returning a JSON array of
// {tokenAddress, minPrice, maxPrice}.
type PriceFeedClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

func NewPriceFeedClient(baseURL string, timeout time.Duration) *PriceFeedClient {
	return &PriceFeedClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

// Fetch retries with linear backoff (500ms * attempt, matching the
// poller's sub-call retry policy in §4.2) before surfacing a TransientIO
// error.
func (c *PriceFeedClient) Fetch(ctx context.Context) ([]Price, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		prices, err := c.fetchOnce(ctx)
		if err == nil {
			return prices, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return nil, domain.WrapErr(domain.ErrTransientIO, "PriceFeedClient.Fetch", lastErr)
}

func (c *PriceFeedClient) fetchOnce(ctx context.Context) ([]Price, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed: unexpected status %d", resp.StatusCode)
	}

	var entries []priceEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("price feed: decode: %w", err)
	}

	out := make([]Price, 0, len(entries))
	for _, e := range entries {
		minP, err1 := decimal.NewFromString(e.MinPrice)
		maxP, err2 := decimal.NewFromString(e.MaxPrice)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Price{TokenAddress: e.TokenAddress, MinPrice: minP, MaxPrice: maxP})
	}
	return out, nil
}
