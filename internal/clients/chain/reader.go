package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// readerABIJSON covers exactly the Reader-contract surface §6 names:
// per-market info, token price under the maximize flag, open interest,
// and open-interest-in-tokens, each by market and side.
const readerABIJSON = `[
  {"type":"function","name":"getMarketInfo","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"market","type":"address"}],
   "outputs":[
     {"name":"borrowingFactorLong","type":"uint256"},
     {"name":"borrowingFactorShort","type":"uint256"},
     {"name":"disabled","type":"bool"}
   ]},
  {"type":"function","name":"getMarketTokenPrice","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"market","type":"address"},{"name":"maximize","type":"bool"}],
   "outputs":[
     {"name":"price","type":"int256"},
     {"name":"poolValue","type":"int256"},
     {"name":"longTokenUsd","type":"int256"},
     {"name":"shortTokenUsd","type":"int256"},
     {"name":"impactPoolUsd","type":"int256"},
     {"name":"longTokenAmount","type":"uint256"},
     {"name":"shortTokenAmount","type":"uint256"},
     {"name":"impactPoolAmount","type":"uint256"},
     {"name":"pnlLong","type":"int256"},
     {"name":"pnlShort","type":"int256"}
   ]},
  {"type":"function","name":"getOpenInterest","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"market","type":"address"},{"name":"isLong","type":"bool"}],
   "outputs":[{"name":"openInterest","type":"uint256"}]},
  {"type":"function","name":"getOpenInterestInTokens","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"market","type":"address"},{"name":"isLong","type":"bool"}],
   "outputs":[{"name":"openInterestInTokens","type":"uint256"}]},
  {"type":"function","name":"getGasLimit","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"actionKind","type":"string"}],
   "outputs":[{"name":"gasLimit","type":"uint256"}]},
  {"type":"function","name":"getMarkets","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"start","type":"uint256"},{"name":"end","type":"uint256"}],
   "outputs":[{"name":"markets","type":"tuple[]","components":[
     {"name":"marketToken","type":"address"},
     {"name":"indexToken","type":"address"},
     {"name":"longToken","type":"address"},
     {"name":"shortToken","type":"address"}
   ]}]}
]`

// MarketInfo is the decoded getMarketInfo result.
type MarketInfo struct {
	BorrowingFactorLong  *big.Int
	BorrowingFactorShort *big.Int
	Disabled             bool
}

// MarketTokenPrice is the decoded getMarketTokenPrice result for one
// maximize flag value; C2 calls this twice (false, then true) per market.
type MarketTokenPrice struct {
	Price            *big.Int
	PoolValue        *big.Int
	LongTokenUSD     *big.Int
	ShortTokenUSD    *big.Int
	ImpactPoolUSD    *big.Int
	LongTokenAmount  *big.Int
	ShortTokenAmount *big.Int
	ImpactPoolAmount *big.Int
	PnlLong          *big.Int
	PnlShort         *big.Int
}

// Reader wraps ABI-encode/decode for the Reader contract. The client's
// multicall submits these as batched eth_calls; Reader itself never
// builds the batch — see Multicall.
type Reader struct {
	abi       abi.ABI
	readerAddr common.Address
	dataStore  common.Address
}

func NewReader(readerAddr, dataStore common.Address) (*Reader, error) {
	parsed, err := abi.JSON(strings.NewReader(readerABIJSON))
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.NewReader: parse abi", err)
	}
	return &Reader{abi: parsed, readerAddr: readerAddr, dataStore: dataStore}, nil
}

func (r *Reader) Address() common.Address { return r.readerAddr }

// PackMarketInfo, PackMarketTokenPrice, etc. return the calldata for use
// in a Multicall3 aggregate3 batch; Unpack* decode the corresponding
// return bytes. Packing/unpacking are split from execution so callers can
// batch many markets into a single multicall round-trip (§4.2).

func (r *Reader) PackMarketInfo(market common.Address) ([]byte, error) {
	return r.abi.Pack("getMarketInfo", r.dataStore, market)
}

func (r *Reader) UnpackMarketInfo(data []byte) (MarketInfo, error) {
	out, err := r.abi.Unpack("getMarketInfo", data)
	if err != nil {
		return MarketInfo{}, domain.WrapErr(domain.ErrProtocolDecode, "UnpackMarketInfo", err)
	}
	return MarketInfo{
		BorrowingFactorLong:  out[0].(*big.Int),
		BorrowingFactorShort: out[1].(*big.Int),
		Disabled:             out[2].(bool),
	}, nil
}

func (r *Reader) PackMarketTokenPrice(market common.Address, maximize bool) ([]byte, error) {
	return r.abi.Pack("getMarketTokenPrice", r.dataStore, market, maximize)
}

func (r *Reader) UnpackMarketTokenPrice(data []byte) (MarketTokenPrice, error) {
	out, err := r.abi.Unpack("getMarketTokenPrice", data)
	if err != nil {
		return MarketTokenPrice{}, domain.WrapErr(domain.ErrProtocolDecode, "UnpackMarketTokenPrice", err)
	}
	return MarketTokenPrice{
		Price:            out[0].(*big.Int),
		PoolValue:        out[1].(*big.Int),
		LongTokenUSD:     out[2].(*big.Int),
		ShortTokenUSD:    out[3].(*big.Int),
		ImpactPoolUSD:    out[4].(*big.Int),
		LongTokenAmount:  out[5].(*big.Int),
		ShortTokenAmount: out[6].(*big.Int),
		ImpactPoolAmount: out[7].(*big.Int),
		PnlLong:          out[8].(*big.Int),
		PnlShort:         out[9].(*big.Int),
	}, nil
}

func (r *Reader) PackOpenInterest(market common.Address, isLong bool) ([]byte, error) {
	return r.abi.Pack("getOpenInterest", r.dataStore, market, isLong)
}

func (r *Reader) UnpackOpenInterest(data []byte) (*big.Int, error) {
	out, err := r.abi.Unpack("getOpenInterest", data)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "UnpackOpenInterest", err)
	}
	return out[0].(*big.Int), nil
}

func (r *Reader) PackOpenInterestInTokens(market common.Address, isLong bool) ([]byte, error) {
	return r.abi.Pack("getOpenInterestInTokens", r.dataStore, market, isLong)
}

func (r *Reader) UnpackOpenInterestInTokens(data []byte) (*big.Int, error) {
	out, err := r.abi.Unpack("getOpenInterestInTokens", data)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "UnpackOpenInterestInTokens", err)
	}
	return out[0].(*big.Int), nil
}

func (r *Reader) PackGasLimit(actionKind string) ([]byte, error) {
	return r.abi.Pack("getGasLimit", r.dataStore, actionKind)
}

func (r *Reader) UnpackGasLimit(data []byte) (*big.Int, error) {
	out, err := r.abi.Unpack("getGasLimit", data)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "UnpackGasLimit", err)
	}
	return out[0].(*big.Int), nil
}

// MarketListing is one entry of the Reader's getMarkets enumeration — the
// four addresses that together identify a perp-LP pool (§4.2 "refresh
// the market registry: add any newly listed pools").
type MarketListing struct {
	MarketToken common.Address
	IndexToken  common.Address
	LongToken   common.Address
	ShortToken  common.Address
}

// PackMarkets/UnpackMarkets page through the protocol's market list;
// callers page start/end in fixed-size chunks until a page returns fewer
// entries than requested.
func (r *Reader) PackMarkets(start, end *big.Int) ([]byte, error) {
	return r.abi.Pack("getMarkets", r.dataStore, start, end)
}

func (r *Reader) UnpackMarkets(data []byte) ([]MarketListing, error) {
	out, err := r.abi.Unpack("getMarkets", data)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "UnpackMarkets", err)
	}
	raw, ok := out[0].([]struct {
		MarketToken common.Address
		IndexToken  common.Address
		LongToken   common.Address
		ShortToken  common.Address
	})
	if !ok {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "UnpackMarkets: unexpected shape", nil)
	}
	listings := make([]MarketListing, len(raw))
	for i, m := range raw {
		listings[i] = MarketListing{MarketToken: m.MarketToken, IndexToken: m.IndexToken, LongToken: m.LongToken, ShortToken: m.ShortToken}
	}
	return listings, nil
}

// CallReader executes one already-packed Reader call directly (bypassing
// multicall), used for the per-market fallback path on ultimate batch
// failure (§4.2).
func (c *Client) CallReader(ctx context.Context, r *Reader, calldata []byte) ([]byte, error) {
	return c.Call(ctx, r.Address(), calldata)
}
