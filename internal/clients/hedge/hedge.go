// Package hedge implements the off-chain perpetual-futures hedge venue
// client of §4/§6, grounded on original_source's hedging::dydx_client (a
// dYdX v4 account/perpetual-market/deposit/withdraw surface reached over
// an indexer HTTP API plus a node gRPC surface for order placement) and
// on GoPolymarket's execution/tracker.go for the in-memory order/position
// bookkeeping pattern this package's Tracker reuses. Current position
// size is never derived from the tracker's own fill bookkeeping alone:
// original_source's execution engine re-reads
// client.get_open_perp_positions() from the venue every cycle before
// comparing against target_size, so Client.Positions does the same live
// read here and the orchestrator seeds the Tracker from it each cycle.
package hedge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// PerpetualMarket is the venue's metadata for one hedge-eligible symbol:
// tick/step sizes and the funding/leverage inputs C3's return model needs.
type PerpetualMarket struct {
	Ticker          string
	OraclePrice     decimal.Decimal
	FundingRate8h   decimal.Decimal
	InitialMarginFraction decimal.Decimal // 1/maxLeverage
	StepSize        decimal.Decimal
	TickSize        decimal.Decimal
}

// AccountBalance is the venue's USDC subaccount balance.
type AccountBalance struct {
	USDC decimal.Decimal
}

type marketDTO struct {
	Ticker                string `json:"ticker"`
	OraclePrice           string `json:"oraclePrice"`
	NextFundingRate       string `json:"nextFundingRate"`
	InitialMarginFraction string `json:"initialMarginFraction"`
	StepSize              string `json:"stepSize"`
	TickSize              string `json:"tickSize"`
}

type marketsResponse struct {
	Markets map[string]marketDTO `json:"markets"`
}

type perpetualPositionDTO struct {
	Market string `json:"market"`
	Side   string `json:"side"` // "LONG" | "SHORT"
	Size   string `json:"size"`
	Status string `json:"status"`
}

// subaccountResponse is the indexer's GET /v4/addresses/{address}/
// subaccountNumber/{n} response: USDC collateral plus every open
// perpetual position, keyed by ticker. AccountBalance and Positions both
// read this one endpoint, same as original_source's dydx_client fetching
// balance and get_open_perp_positions off the same subaccount resource.
type subaccountResponse struct {
	USDC                    string                          `json:"usdcBalance"`
	OpenPerpetualPositions  map[string]perpetualPositionDTO `json:"openPerpetualPositions"`
}

type orderRequest struct {
	Ticker    string `json:"ticker"`
	Side      string `json:"side"` // "BUY" | "SELL"
	Size      string `json:"size"`
	OrderType string `json:"type"` // "MARKET"
	ReduceOnly bool  `json:"reduceOnly"`
}

type orderResponse struct {
	OrderID string `json:"orderId"`
}

// Client is the hedge venue's indexer-style HTTP surface: market
// metadata, subaccount balance, and order placement/cancellation.
// Deposits/withdrawals to/from the venue's subaccount are not this
// client's concern — those route through internal/clients/routing, per
// original_source's skip_go_get_route_and_msgs split between the dYdX
// client and the Skip-Go bridge.
type Client struct {
	baseURL     string
	apiKey      string
	subaccount  string
	httpClient  *http.Client
	maxRetries  int
}

func NewClient(baseURL, apiKey, subaccount string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		subaccount: subaccount,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

// PerpetualMarkets fetches the venue's full tradable-market set (§9:
// "hedge funding/leverage lookup" for C3's return model).
func (c *Client) PerpetualMarkets(ctx context.Context) (map[string]PerpetualMarket, error) {
	var body marketsResponse
	if err := c.getJSON(ctx, "/v4/perpetualMarkets", &body); err != nil {
		return nil, err
	}
	out := make(map[string]PerpetualMarket, len(body.Markets))
	for symbol, m := range body.Markets {
		out[symbol] = PerpetualMarket{
			Ticker:                m.Ticker,
			OraclePrice:           parseDecimalOrZero(m.OraclePrice),
			FundingRate8h:         parseDecimalOrZero(m.NextFundingRate),
			InitialMarginFraction: parseDecimalOrZero(m.InitialMarginFraction),
			StepSize:              parseDecimalOrZero(m.StepSize),
			TickSize:              parseDecimalOrZero(m.TickSize),
		}
	}
	return out, nil
}

// AccountBalance returns the subaccount's free USDC collateral.
func (c *Client) AccountBalance(ctx context.Context) (AccountBalance, error) {
	body, err := c.fetchSubaccount(ctx)
	if err != nil {
		return AccountBalance{}, err
	}
	return AccountBalance{USDC: parseDecimalOrZero(body.USDC)}, nil
}

// Positions live-queries the subaccount's currently open perpetual
// positions, signed net size per ticker (positive long, negative short).
// This mirrors original_source's client.get_open_perp_positions(), called
// fresh every cycle rather than cached — the venue, not this process, is
// the system of record for position state.
func (c *Client) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := c.fetchSubaccount(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(body.OpenPerpetualPositions))
	for ticker, p := range body.OpenPerpetualPositions {
		if p.Status != "" && p.Status != "OPEN" {
			continue
		}
		size := parseDecimalOrZero(p.Size)
		if p.Side == "SHORT" {
			size = size.Neg()
		}
		out[ticker] = size
	}
	return out, nil
}

func (c *Client) fetchSubaccount(ctx context.Context) (subaccountResponse, error) {
	var body subaccountResponse
	path := fmt.Sprintf("/v4/addresses/%s/subaccountNumber/0", c.subaccount)
	if err := c.getJSON(ctx, path, &body); err != nil {
		return subaccountResponse{}, err
	}
	return body, nil
}

// PlaceOrder submits a market order on ticker (§4/§9: HedgeOrder trade
// actions are always market-style, sideIsBuy true for long exposure).
func (c *Client) PlaceOrder(ctx context.Context, ticker string, sideIsBuy bool, size decimal.Decimal, reduceOnly bool) (string, error) {
	side := "SELL"
	if sideIsBuy {
		side = "BUY"
	}
	var resp orderResponse
	err := c.postJSON(ctx, "/v4/orders", orderRequest{
		Ticker:     ticker,
		Side:       side,
		Size:       size.Abs().String(),
		OrderType:  "MARKET",
		ReduceOnly: reduceOnly,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// CancelOrder cancels a previously placed order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.postJSON(ctx, "/v4/orders/"+orderID+"/cancel", struct{}{}, nil)
}

func parseDecimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("hedge venue %s: unexpected status %d", path, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, out interface{}) error {
	return c.retry(ctx, func() error {
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
			return fmt.Errorf("hedge venue %s: unexpected status %d", path, resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return domain.WrapErr(domain.ErrTransientIO, "hedge.Client", lastErr)
}
