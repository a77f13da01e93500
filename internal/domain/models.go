package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenCategory buckets a token for jump-variance scaling in the
// covariance model (§4.3).
type TokenCategory string

const (
	CategoryBlueChip   TokenCategory = "blue-chip"
	CategoryMidCap     TokenCategory = "mid-cap"
	CategoryUnreliable TokenCategory = "unreliable"
)

// AssetToken is the registry's identity + latest-price record for an
// ERC-20 collateral or index token. Owned by the token registry for the
// process lifetime; mutated only under write-exclusion (see
// registry.Registry).
type AssetToken struct {
	Address    string
	Symbol     string
	Decimals   int32
	Synthetic  bool
	Category   TokenCategory
	IsStable   bool
	OracleFeed []string // ordered composite-oracle feed addresses, optional

	MinPrice  decimal.Decimal
	MaxPrice  decimal.Decimal
	MidPrice  decimal.Decimal
	UpdatedAt time.Time
}

// HasPrice reports whether a price triple has ever been set. The min/mid/
// max fields are only meaningful together, per the AssetToken invariant.
func (t *AssetToken) HasPrice() bool {
	return !t.UpdatedAt.IsZero()
}

// SetPrice sets min, max and mid together, with mid the average of min
// and max, so min <= mid <= max holds whenever min <= max. It does not
// check that min <= max.
func (t *AssetToken) SetPrice(min, max decimal.Decimal, at time.Time) {
	mid := min.Add(max).Div(decimal.NewFromInt(2))
	t.MinPrice, t.MaxPrice, t.MidPrice = min, max, mid
	t.UpdatedAt = at
}

// Market is a perp-LP pool's identity plus its latest fused state. Market
// never stores token structs directly; it stores addresses and looks up
// the shared AssetToken via the registry at read time (§9 "back-
// references, not ownership").
type Market struct {
	Address         string
	IndexTokenAddr  string
	LongTokenAddr   string
	ShortTokenAddr  string

	BorrowingFactorLong  decimal.Decimal
	BorrowingFactorShort decimal.Decimal

	PoolLongAmount  decimal.Decimal
	PoolShortAmount decimal.Decimal
	PoolLongUSD     decimal.Decimal
	PoolShortUSD    decimal.Decimal
	ImpactPoolAmount decimal.Decimal
	ImpactPoolUSD    decimal.Decimal

	PnlLong decimal.Decimal
	PnlShort decimal.Decimal
	PnlNet   decimal.Decimal

	OILongNotionalUSD   decimal.Decimal
	OIShortNotionalUSD  decimal.Decimal
	OILongViaTokensUSD  decimal.Decimal
	OIShortViaTokensUSD decimal.Decimal
	OILongTokenAmount   decimal.Decimal
	OIShortTokenAmount  decimal.Decimal

	Utilization decimal.Decimal

	GMPriceMin decimal.Decimal
	GMPriceMax decimal.Decimal
	GMPriceMid decimal.Decimal

	CumPositionFeesUSD    decimal.Decimal
	CumLiquidationFeesUSD decimal.Decimal
	CumSwapFeesUSD        decimal.Decimal
	CumBorrowingFeesUSD   decimal.Decimal

	SwapVolumeUSD    decimal.Decimal
	TradingVolumeUSD decimal.Decimal

	HasSupply bool
	UpdatedAt time.Time
}

// PoolValue returns long_usd + short_usd - impact_usd, the exposure
// denominator used by the covariance weighting in §4.3.
func (m *Market) PoolValue() decimal.Decimal {
	return m.PoolLongUSD.Add(m.PoolShortUSD).Sub(m.ImpactPoolUSD)
}

// DeriveHasSupply implements the invariant: has_supply iff pool_value is
// non-zero under either min or max valuation.
func (m *Market) DeriveHasSupply(poolValueMin, poolValueMax decimal.Decimal) bool {
	return !poolValueMin.IsZero() || !poolValueMax.IsZero()
}

// CumulativeFeesUSD is the sum of the four fee kinds, the fees_total
// column whose monotonicity is a testable property (§8).
func (m *Market) CumulativeFeesUSD() decimal.Decimal {
	return m.CumPositionFeesUSD.
		Add(m.CumLiquidationFeesUSD).
		Add(m.CumSwapFeesUSD).
		Add(m.CumBorrowingFeesUSD)
}

// MarketFees is the C1 buffer entry: increments since the last drain,
// keyed by collateral token. It is cleared, never mutated in place, on
// drain (§9 "cumulative counters vs. deltas").
type MarketFees struct {
	PositionFeesForPool    map[string]decimal.Decimal
	LiquidationFeesForPool map[string]decimal.Decimal
	SwapFeesForPool        map[string]decimal.Decimal
	BorrowingFeesForPool   map[string]decimal.Decimal
	SwapVolume             map[string]decimal.Decimal
	TradingVolume          decimal.Decimal
}

// NewMarketFees returns a zeroed buffer entry ready to accumulate.
func NewMarketFees() *MarketFees {
	return &MarketFees{
		PositionFeesForPool:    map[string]decimal.Decimal{},
		LiquidationFeesForPool: map[string]decimal.Decimal{},
		SwapFeesForPool:        map[string]decimal.Decimal{},
		BorrowingFeesForPool:   map[string]decimal.Decimal{},
		SwapVolume:             map[string]decimal.Decimal{},
		TradingVolume:          decimal.Zero,
	}
}

func addInto(m map[string]decimal.Decimal, key string, amount decimal.Decimal) {
	m[key] = m[key].Add(amount)
}

// AddPositionFees folds one PositionFeesCollected event into the buffer.
// liquidationForPool is ignored (zero) unless the caller determined the
// event's payload array length was in the whitelist {26,28,32,34}.
func (f *MarketFees) AddPositionFees(collateralToken string, tradeSizeUSD, positionFeeForPool, borrowingFeeForPool, liquidationFeeForPool decimal.Decimal) {
	addInto(f.PositionFeesForPool, collateralToken, positionFeeForPool)
	addInto(f.BorrowingFeesForPool, collateralToken, borrowingFeeForPool)
	if !liquidationFeeForPool.IsZero() {
		addInto(f.LiquidationFeesForPool, collateralToken, liquidationFeeForPool)
	}
	f.TradingVolume = f.TradingVolume.Add(tradeSizeUSD)
}

// AddSwapFees folds one SwapFeesCollected event into the buffer.
func (f *MarketFees) AddSwapFees(token string, feeForPool, amountAfterFees decimal.Decimal) {
	addInto(f.SwapFeesForPool, token, feeForPool)
	addInto(f.SwapVolume, token, amountAfterFees)
}

// TotalUSD sums every sub-map's values, used when fusing a drained buffer
// into a market_states row's scalar fee columns.
func (f *MarketFees) TotalUSD(m map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

// MarketState is one market_states row: the poller's fused per-tick
// snapshot (§3 "Market snapshot row").
type MarketState struct {
	ID        int64
	MarketID  int64
	Timestamp time.Time

	BorrowingFactorLong  decimal.Decimal
	BorrowingFactorShort decimal.Decimal
	PnlLong              decimal.Decimal
	PnlShort             decimal.Decimal
	PnlNet               decimal.Decimal

	GMPriceMin decimal.Decimal
	GMPriceMax decimal.Decimal
	GMPriceMid decimal.Decimal

	PoolLongAmount  decimal.Decimal
	PoolShortAmount decimal.Decimal
	PoolImpactAmount decimal.Decimal
	PoolLongUSD     decimal.Decimal
	PoolShortUSD    decimal.Decimal
	PoolImpactUSD   decimal.Decimal

	OILongNotionalUSD   decimal.Decimal
	OIShortNotionalUSD  decimal.Decimal
	OILongViaTokensUSD  decimal.Decimal
	OIShortViaTokensUSD decimal.Decimal
	OILongTokenAmount   decimal.Decimal
	OIShortTokenAmount  decimal.Decimal

	Utilization decimal.Decimal

	SwapVolumeUSD    decimal.Decimal
	TradingVolumeUSD decimal.Decimal

	FeesPositionUSD    decimal.Decimal
	FeesLiquidationUSD decimal.Decimal
	FeesSwapUSD        decimal.Decimal
	FeesBorrowingUSD   decimal.Decimal
	FeesTotalUSD       decimal.Decimal

	HasSupply bool
}

// TokenPrice is one token_prices row.
type TokenPrice struct {
	ID        int64
	TokenID   int64
	Timestamp time.Time
	MinPrice  decimal.Decimal
	MaxPrice  decimal.Decimal
	MidPrice  decimal.Decimal
}

// MarketStateSlice is C3's strategy input: a trailing window per market
// plus the latest state values, per §3.
type MarketStateSlice struct {
	MarketID      int64
	Market        *Market
	Timestamps    []time.Time
	IndexPrices   []decimal.Decimal
	FeesUSD       []decimal.Decimal
	Latest        MarketState
}

// StrategyRun is a strategy_runs row (§3, §6).
type StrategyRun struct {
	ID                int64
	Timestamp         time.Time
	StrategyVersion   string
	TotalWeight       decimal.Decimal
	ExpectedReturnBps decimal.Decimal
	VolatilityBps     decimal.Decimal
	Sharpe            decimal.Decimal
}

// StrategyTarget is a strategy_targets row (§3, §6).
type StrategyTarget struct {
	ID                int64
	StrategyRunID     int64
	MarketID          int64
	TargetWeight      decimal.Decimal
	ExpectedReturnBps decimal.Decimal
	VarianceBps       decimal.Decimal
}

// TradeActionKind tags the TradeAction variant (§3).
type TradeActionKind string

const (
	ActionGmDeposit    TradeActionKind = "gm_deposit"
	ActionGmWithdrawal TradeActionKind = "gm_withdrawal"
	ActionGmShift      TradeActionKind = "gm_shift"
	ActionSpotSwap     TradeActionKind = "spot_swap"
	ActionHedgeOrder   TradeActionKind = "hedge_order"
)

// SwapSide distinguishes a spot-swap quote's amount interpretation.
type SwapSide string

const (
	SwapBuy  SwapSide = "BUY"
	SwapSell SwapSide = "SELL"
)

// TradeStatus is the lifecycle state of an attempted TradeAction.
type TradeStatus string

const (
	StatusPlanned   TradeStatus = "planned"
	StatusSimulated TradeStatus = "simulated"
	StatusExecuted  TradeStatus = "executed"
	StatusFailed    TradeStatus = "failed"
)

// TradeAction is the tagged union the planner emits and the action engine
// consumes. Exactly one payload field is meaningful per Kind.
type TradeAction struct {
	Kind TradeActionKind

	// GmDeposit / GmWithdrawal / GmShift
	Market       string
	FromMarket   string
	ToMarket     string
	LongAmount   decimal.Decimal
	ShortAmount  decimal.Decimal
	Amount       decimal.Decimal

	// SpotSwap
	FromToken string
	ToToken   string
	SwapSide  SwapSide

	// HedgeOrder
	TokenSymbol string
	Size        decimal.Decimal
	SideIsBuy   bool

	Status TradeStatus
}

// Trade is a trades row: the deterministic report of one attempted
// TradeAction (§3, §4.5, §6).
type Trade struct {
	ID            int64
	Timestamp     time.Time
	ActionType    TradeActionKind
	StrategyRunID *int64
	MarketID      *int64
	FromTokenID   *int64
	ToTokenID     *int64
	AmountIn      decimal.Decimal
	AmountOut     decimal.Decimal
	USDValue      decimal.Decimal
	FeeUSD        decimal.Decimal
	TxHash        string
	Status        TradeStatus
	ErrorKind     ErrorKind
	Details       []byte // msgpack-encoded action-specific parameters
}

// HedgePosition is one open position on the off-chain hedge venue, keyed
// by the derived ticker (the long collateral's symbol, per §4.4).
type HedgePosition struct {
	Symbol string
	Size   decimal.Decimal // negative == short
}

// PortfolioSnapshot is C4's transient input (§3): current on-chain and
// off-chain holdings valued at latest mid prices.
type PortfolioSnapshot struct {
	Timestamp time.Time

	MarketBalances map[string]decimal.Decimal // market address -> GM token balance
	MarketValueUSD map[string]decimal.Decimal

	AssetBalances map[string]decimal.Decimal // token address -> balance
	AssetValueUSD map[string]decimal.Decimal

	HedgePositions map[string]HedgePosition // symbol -> position

	TotalValueUSD  decimal.Decimal
	MarketValueSum decimal.Decimal
	AssetValueSum  decimal.Decimal
	HedgeValueSum  decimal.Decimal
	PnlUSD         decimal.Decimal
}

// PortfolioSnapshotRow is the persisted derivative of a PortfolioSnapshot
// (§3, §6) — the snapshot itself is transient.
type PortfolioSnapshotRow struct {
	ID             int64
	Timestamp      time.Time
	TotalValueUSD  decimal.Decimal
	MarketValueUSD decimal.Decimal
	AssetValueUSD  decimal.Decimal
	HedgeValueUSD  decimal.Decimal
	PnlUSD         decimal.Decimal
}
