// Package routing implements the cross-chain routing API client of §6/§9,
// grounded on original_source's Skip-Go integration: a thin DTO transport
// over a route-quote endpoint, a message-assembly endpoint, and
// submit/status endpoints for tracking an in-flight transfer. This
// package does no on-chain signing itself — it hands back calldata for
// internal/clients/chain to submit, the same division of labour the
// swap aggregator client uses.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// Route is one quoted cross-chain path for moving an amount of a denom
// from sourceChain to destChain.
type Route struct {
	SourceChainID string `json:"sourceChainId"`
	DestChainID   string `json:"destChainId"`
	Denom         string `json:"denom"`
	AmountIn      string `json:"amountIn"`
	AmountOut     string `json:"amountOut"`
	Operations    json.RawMessage `json:"operations"`
}

// Message is the assembled set of chain messages/transactions a route
// requires to execute, as returned by /fungible/msgs.
type Message struct {
	ChainID string `json:"chainId"`
	Data    []byte `json:"data"`
	To      string `json:"to"`
	Value   string `json:"value"`
}

// TxStatus is the lifecycle of a submitted transfer, as tracked via
// /tx/status.
type TxStatus struct {
	State   string `json:"state"` // e.g. "STATE_PENDING", "STATE_COMPLETED", "STATE_FAILED"
	Error   string `json:"error,omitempty"`
}

// Client wraps the routing API's four endpoints (§6): route quote,
// message assembly, submit, and status.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

type routeRequest struct {
	SourceChainID string `json:"sourceChainId"`
	DestChainID   string `json:"destChainId"`
	Denom         string `json:"denom"`
	Amount        string `json:"amount"`
}

// Route quotes a path for bridging amount of denom from sourceChainID to
// destChainID (used by the hedge module to top up or withdraw the
// off-chain venue's subaccount, per §9).
func (c *Client) Route(ctx context.Context, sourceChainID, destChainID, denom, amount string) (*Route, error) {
	var out Route
	err := c.postJSON(ctx, "/fungible/route", routeRequest{
		SourceChainID: sourceChainID,
		DestChainID:   destChainID,
		Denom:         denom,
		Amount:        amount,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type msgsRequest struct {
	Route       json.RawMessage `json:"route"`
	UserAddress string          `json:"userAddress"`
}

// Messages assembles the chain-specific messages required to execute a
// previously quoted route.
func (c *Client) Messages(ctx context.Context, route *Route, userAddress string) ([]Message, error) {
	routeJSON, err := json.Marshal(route)
	if err != nil {
		return nil, err
	}
	var out []Message
	err = c.postJSON(ctx, "/fungible/msgs", msgsRequest{Route: routeJSON, UserAddress: userAddress}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type submitRequest struct {
	ChainID string `json:"chainId"`
	TxHash  string `json:"txHash"`
}

// Submit registers a broadcast transaction for tracking.
func (c *Client) Submit(ctx context.Context, chainID, txHash string) error {
	var out struct{}
	return c.postJSON(ctx, "/tx/submit", submitRequest{ChainID: chainID, TxHash: txHash}, &out)
}

// Status polls the lifecycle of a submitted transfer.
func (c *Client) Status(ctx context.Context, chainID, txHash string) (*TxStatus, error) {
	var out TxStatus
	err := c.postJSON(ctx, "/tx/status", submitRequest{ChainID: chainID, TxHash: txHash}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, respBody interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.postJSONOnce(ctx, path, reqBody, respBody)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return domain.WrapErr(domain.ErrTransientIO, "routing.Client.postJSON "+path, lastErr)
}

func (c *Client) postJSONOnce(ctx context.Context, path string, reqBody, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("routing api %s: unexpected status %d", path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}
