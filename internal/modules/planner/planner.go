// Package planner implements C4, the Rebalance Planner (§4.4): it turns the
// newest strategy run's target weights and the current portfolio snapshot
// into an ordered list of TradeActions.
package planner

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/domain"
)

const (
	minWeightDelta = "0.01"
	minValueUSD    = 10
)

// HedgePositionSource reports the hedge venue's current net size for a
// symbol, used by the hedge-delta pass.
type HedgePositionSource interface {
	Position(symbol string) domain.HedgePosition
}

// Plan is the planner's output: the ordered actions plus the notes trail
// (§4.4 "Notes list").
type Plan struct {
	Actions []domain.TradeAction
	Notes   []string
}

type marketDelta struct {
	market     domain.Market
	deltaUSD   decimal.Decimal
	deltaTok   decimal.Decimal
}

// Plan implements §4.4's full algorithm: total-value gate, per-market
// delta computation, shift netting within collateral-pair groups, residual
// withdraw/deposit emission (with funding-token selection and spot-swap
// top-up), then the hedge-delta pass.
func Plan(
	targets []domain.StrategyTarget,
	marketByID map[int64]domain.Market,
	snapshot domain.PortfolioSnapshot,
	tokens *domain.TokenRegistry,
	hedgeSource HedgePositionSource,
) Plan {
	p := Plan{}

	total := snapshot.TotalValueUSD
	if !total.IsPositive() {
		p.Notes = append(p.Notes, "total portfolio value is non-positive, no actions")
		return p
	}

	minDelta, _ := decimal.NewFromString(minWeightDelta)
	minValue := decimal.NewFromInt(minValueUSD)

	deltas := make([]marketDelta, 0, len(targets))
	for _, t := range targets {
		m, ok := marketByID[t.MarketID]
		if !ok {
			p.Notes = append(p.Notes, fmt.Sprintf("target market id %d unknown, skipping", t.MarketID))
			continue
		}
		if m.GMPriceMid.IsZero() {
			p.Notes = append(p.Notes, fmt.Sprintf("market %s has zero gm price, skipping", m.Address))
			continue
		}
		targetValue := total.Mul(t.TargetWeight)
		currentValue := snapshot.MarketValueUSD[m.Address]
		deltaValue := targetValue.Sub(currentValue)
		currentWeight := currentValue.Div(total)
		deltaWeight := t.TargetWeight.Sub(currentWeight)
		if deltaWeight.Abs().LessThan(minDelta) && deltaValue.Abs().LessThan(minValue) {
			continue
		}
		deltaTok := deltaValue.Div(m.GMPriceMid)
		deltas = append(deltas, marketDelta{market: m, deltaUSD: deltaValue, deltaTok: deltaTok})
	}

	groups := groupByCollateralPair(deltas)
	var residuals []marketDelta
	groupKeys := make([]string, 0, len(groups))
	for k := range groups {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)
	for _, k := range groupKeys {
		group := groups[k]
		netted := netShifts(group, &p)
		residuals = append(residuals, netted...)
	}

	balances := cloneBalances(snapshot.AssetBalances)
	for _, d := range residuals {
		if d.deltaTok.IsZero() {
			continue
		}
		if d.deltaTok.IsNegative() {
			p.Actions = append(p.Actions, domain.TradeAction{
				Kind:   domain.ActionGmWithdrawal,
				Market: d.market.Address,
				Amount: d.deltaTok.Abs(),
				Status: domain.StatusPlanned,
			})
			continue
		}
		planDeposit(d, tokens, balances, &p)
	}

	planHedgeDeltas(targets, marketByID, total, tokens, hedgeSource, &p)

	return p
}

func cloneBalances(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// groupByCollateralPair keys deltas by an order-independent (long,short)
// token-address pair, per §4.4 step 3.
func groupByCollateralPair(deltas []marketDelta) map[string][]marketDelta {
	groups := map[string][]marketDelta{}
	for _, d := range deltas {
		a, b := d.market.LongTokenAddr, d.market.ShortTokenAddr
		if a > b {
			a, b = b, a
		}
		key := a + "|" + b
		groups[key] = append(groups[key], d)
	}
	return groups
}

// netShifts pairs sellers (negative delta) with buyers (positive delta) in
// list order, emitting a GmShift for min(|seller|,|buyer|) and returning
// whatever remains unmatched as residual deltas (§4.4 step 3).
func netShifts(group []marketDelta, p *Plan) []marketDelta {
	sellers := make([]marketDelta, 0)
	buyers := make([]marketDelta, 0)
	for _, d := range group {
		if d.deltaTok.IsNegative() {
			sellers = append(sellers, d)
		} else if d.deltaTok.IsPositive() {
			buyers = append(buyers, d)
		}
	}

	si, bi := 0, 0
	for si < len(sellers) && bi < len(buyers) {
		sellAmt := sellers[si].deltaTok.Abs()
		buyAmt := buyers[bi].deltaTok
		amount := decimal.Min(sellAmt, buyAmt)

		p.Actions = append(p.Actions, domain.TradeAction{
			Kind:       domain.ActionGmShift,
			FromMarket: sellers[si].market.Address,
			ToMarket:   buyers[bi].market.Address,
			Amount:     amount,
			Status:     domain.StatusPlanned,
		})

		sellers[si].deltaTok = sellers[si].deltaTok.Add(amount)
		buyers[bi].deltaTok = buyers[bi].deltaTok.Sub(amount)

		if sellers[si].deltaTok.IsZero() {
			si++
		}
		if buyers[bi].deltaTok.IsZero() {
			bi++
		}
	}

	var residual []marketDelta
	for ; si < len(sellers); si++ {
		residual = append(residual, sellers[si])
	}
	for ; bi < len(buyers); bi++ {
		residual = append(residual, buyers[bi])
	}
	return residual
}

// planDeposit implements §4.4 step 4's positive-delta branch: choose a
// funding token, top it up with a spot swap if the wallet is short, debit
// balances optimistically, then emit the GmDeposit.
func planDeposit(d marketDelta, tokens *domain.TokenRegistry, balances map[string]decimal.Decimal, p *Plan) {
	longTok, longOK := tokens.Get(d.market.LongTokenAddr)
	shortTok, shortOK := tokens.Get(d.market.ShortTokenAddr)
	if !longOK || !shortOK {
		p.Notes = append(p.Notes, fmt.Sprintf("market %s: funding token metadata unavailable, skipping deposit", d.market.Address))
		return
	}

	fundingAddr, fundingTok := chooseFundingToken(longTok, shortTok)
	deltaValueUSD := d.deltaTok.Mul(d.market.GMPriceMid)

	fundingPrice := fundingTok.MidPrice
	if fundingPrice.IsZero() {
		p.Notes = append(p.Notes, fmt.Sprintf("market %s: funding token %s has zero price, skipping deposit", d.market.Address, fundingTok.Symbol))
		return
	}
	requiredAmount := deltaValueUSD.Div(fundingPrice)

	have := balances[fundingAddr]
	if have.LessThan(requiredAmount) {
		deficit := requiredAmount.Sub(have)
		stableAddr, stableBalance, ok := bestStableHolding(tokens, balances, fundingAddr)
		if !ok {
			p.Notes = append(p.Notes, fmt.Sprintf("market %s: insufficient %s and no stable holding to swap from, skipping deposit", d.market.Address, fundingTok.Symbol))
			return
		}
		stableTok, _ := tokens.Get(stableAddr)
		deficitUSD := deficit.Mul(fundingPrice)
		budget := stableBalance.Mul(stableTok.MidPrice)
		if deficitUSD.GreaterThan(budget) {
			p.Notes = append(p.Notes, fmt.Sprintf("market %s: stable budget insufficient to cover %s deficit, skipping deposit", d.market.Address, fundingTok.Symbol))
			return
		}
		p.Actions = append(p.Actions, domain.TradeAction{
			Kind:      domain.ActionSpotSwap,
			FromToken: stableAddr,
			ToToken:   fundingAddr,
			Amount:    deficit,
			SwapSide:  domain.SwapBuy,
			Status:    domain.StatusPlanned,
		})
		stableSpend := deficitUSD.Div(stableTok.MidPrice)
		balances[stableAddr] = stableBalance.Sub(stableSpend)
		balances[fundingAddr] = have.Add(deficit)
	}
	balances[fundingAddr] = balances[fundingAddr].Sub(requiredAmount)

	action := domain.TradeAction{
		Kind:   domain.ActionGmDeposit,
		Market: d.market.Address,
		Status: domain.StatusPlanned,
	}
	if fundingAddr == d.market.LongTokenAddr {
		action.LongAmount = requiredAmount
	} else {
		action.ShortAmount = requiredAmount
	}
	p.Actions = append(p.Actions, action)
}

// chooseFundingToken prefers the recognised-stable side; if both or
// neither are stable, picks the higher-priced (§4.4 step 4).
func chooseFundingToken(long, short domain.AssetToken) (string, domain.AssetToken) {
	if long.IsStable && !short.IsStable {
		return long.Address, long
	}
	if short.IsStable && !long.IsStable {
		return short.Address, short
	}
	if long.MidPrice.GreaterThanOrEqual(short.MidPrice) {
		return long.Address, long
	}
	return short.Address, short
}

// bestStableHolding picks the largest-USD-value recognised-stable holding
// other than exclude, used to top up a funding-token deficit via swap.
func bestStableHolding(tokens *domain.TokenRegistry, balances map[string]decimal.Decimal, exclude string) (string, decimal.Decimal, bool) {
	var bestAddr string
	var bestValue decimal.Decimal
	var bestBalance decimal.Decimal
	found := false
	for addr, bal := range balances {
		if addr == exclude || bal.IsZero() {
			continue
		}
		tok, ok := tokens.Get(addr)
		if !ok || !tok.IsStable {
			continue
		}
		value := bal.Mul(tok.MidPrice)
		if !found || value.GreaterThan(bestValue) {
			bestAddr, bestValue, bestBalance, found = addr, value, bal, true
		}
	}
	return bestAddr, bestBalance, found
}

// planHedgeDeltas implements §4.4's hedge-delta pass: for every target
// market whose long collateral isn't a recognised stable, compare the
// required short notional against the venue's current position and emit a
// HedgeOrder if the gap is material.
func planHedgeDeltas(targets []domain.StrategyTarget, marketByID map[int64]domain.Market, total decimal.Decimal, tokens *domain.TokenRegistry, hedgeSource HedgePositionSource, p *Plan) {
	if hedgeSource == nil {
		return
	}
	const hedgeDeltaThreshold = "0.01"
	threshold, _ := decimal.NewFromString(hedgeDeltaThreshold)

	for _, t := range targets {
		m, ok := marketByID[t.MarketID]
		if !ok {
			continue
		}
		longTok, ok := tokens.Get(m.LongTokenAddr)
		if !ok || longTok.IsStable {
			continue
		}
		shortTok, shortOK := tokens.Get(m.ShortTokenAddr)
		exposedFrac := decimal.NewFromFloat(0.5)
		if shortOK && shortTok.IsStable {
			exposedFrac = decimal.NewFromInt(1)
		}
		if longTok.MidPrice.IsZero() {
			p.Notes = append(p.Notes, fmt.Sprintf("market %s: long token %s has zero price, skipping hedge delta", m.Address, longTok.Symbol))
			continue
		}

		targetValue := total.Mul(t.TargetWeight)
		hedgeNotional := targetValue.Mul(exposedFrac)
		targetSize := hedgeNotional.Div(longTok.MidPrice).Neg()

		current := hedgeSource.Position(longTok.Symbol)
		delta := targetSize.Sub(current.Size)
		if delta.Abs().LessThan(threshold) {
			continue
		}
		p.Actions = append(p.Actions, domain.TradeAction{
			Kind:        domain.ActionHedgeOrder,
			TokenSymbol: longTok.Symbol,
			Size:        delta.Abs(),
			SideIsBuy:   delta.IsPositive(),
			Status:      domain.StatusPlanned,
		})
	}
}
