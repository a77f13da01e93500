// Package strategy implements C3, the Strategy Engine (§4.3): it turns the
// trailing window of market_states/token_prices rows into a target
// portfolio allocation across perp-LP pools.
package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/clients/hedge"
	"github.com/yieldfarm/perphedge/internal/domain"
)

const (
	minObservations    = 288
	maxObservationAge  = 24 * time.Hour
	minFreshness       = 1 * time.Hour
	minOpenInterestUSD = 10_000
)

// eligibleMarkets filters the candidate set per §4.3's market filter: enough
// history, a window that actually spans the lookback, recent enough data,
// and material open interest.
func eligibleMarkets(slices []domain.MarketStateSlice, now time.Time) []domain.MarketStateSlice {
	out := make([]domain.MarketStateSlice, 0, len(slices))
	for _, s := range slices {
		if len(s.Timestamps) < minObservations || len(s.IndexPrices) < minObservations {
			continue
		}
		oldest := s.Timestamps[0]
		newest := s.Timestamps[len(s.Timestamps)-1]
		if now.Sub(oldest) <= maxObservationAge {
			continue
		}
		if now.Sub(newest) >= minFreshness {
			continue
		}
		oi := s.Latest.OILongNotionalUSD.Add(s.Latest.OIShortNotionalUSD)
		if oi.LessThanOrEqual(decimal.NewFromInt(minOpenInterestUSD)) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// marketReturn is one eligible market's expected-return decomposition
// (§4.3 "Return model").
type marketReturn struct {
	Slice            domain.MarketStateSlice
	FeeReturn        float64
	FundingCost      float64
	OpportunityCost  float64
	ExpectedReturn   float64
	ExposedCapitalFrac float64
}

// expectedReturns computes the per-tick expected return for every eligible
// market. hedgeMarkets maps a perpetual ticker (the long collateral's
// symbol) to its venue metadata; a market whose long collateral has no
// listing there falls back to the pure fee-return case.
func expectedReturns(slices []domain.MarketStateSlice, tokens *domain.TokenRegistry, hedgeMarkets map[string]hedge.PerpetualMarket) []marketReturn {
	out := make([]marketReturn, 0, len(slices))
	for _, s := range slices {
		feesWindow := decimal.Zero
		for _, f := range s.FeesUSD {
			feesWindow = feesWindow.Add(f)
		}
		poolValue := s.Market.PoolValue()
		if poolValue.IsZero() {
			continue
		}
		feeReturnPerTick, _ := feesWindow.Div(poolValue).Div(decimal.NewFromInt(int64(len(s.FeesUSD)))).Float64()

		mr := marketReturn{Slice: s, FeeReturn: feeReturnPerTick, ExpectedReturn: feeReturnPerTick}

		longToken, ok := tokens.Get(s.Market.LongTokenAddr)
		if !ok {
			out = append(out, mr)
			continue
		}
		shortToken, shortOK := tokens.Get(s.Market.ShortTokenAddr)

		pm, hasHedge := hedgeMarkets[longToken.Symbol]
		if !hasHedge || pm.InitialMarginFraction.IsZero() {
			out = append(out, mr)
			continue
		}

		exposedFrac := 0.5
		if shortOK && shortToken.IsStable {
			exposedFrac = 1.0
		}
		funding, _ := pm.FundingRate8h.Float64()
		leverage, _ := decimal.NewFromInt(1).Div(pm.InitialMarginFraction).Float64()

		fundingCost := exposedFrac * (-funding)
		opportunityCost := (exposedFrac / leverage) * feeReturnPerTick

		mr.FundingCost = fundingCost
		mr.OpportunityCost = opportunityCost
		mr.ExposedCapitalFrac = exposedFrac
		mr.ExpectedReturn = feeReturnPerTick - fundingCost - opportunityCost
		out = append(out, mr)
	}
	return out
}

// logReturns converts a mid-price series into n-1 per-tick log returns.
func logReturns(prices []decimal.Decimal) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		p0, _ := prices[i-1].Float64()
		p1, _ := prices[i].Float64()
		if p0 <= 0 || p1 <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(p1/p0))
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleCovariance computes Σ(x-x̄)(y-ȳ)/(n-1) over the shortest common
// length of x and y, per §4.3's covariance model.
func sampleCovariance(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	x, y = x[:n], y[:n]
	mx, my := mean(x), mean(y)
	var sum float64
	for i := 0; i < n; i++ {
		sum += (x[i] - mx) * (y[i] - my)
	}
	return sum / float64(n-1)
}

// jumpParams is the per-category jump-intensity table §4.3 names without
// fixing constants for: lambdaPerHour is the Poisson jump rate, alpha/beta
// the jump mean/stdev contribution to variance. Ordered by how much tail
// risk the category carries — unreliable tokens get the largest scaling.
type jumpParams struct {
	LambdaPerHour float64
	Alpha         float64
	Beta          float64
}

var jumpTable = map[domain.TokenCategory]jumpParams{
	domain.CategoryBlueChip:   {LambdaPerHour: 0.02, Alpha: 0.01, Beta: 0.03},
	domain.CategoryMidCap:     {LambdaPerHour: 0.08, Alpha: 0.02, Beta: 0.06},
	domain.CategoryUnreliable: {LambdaPerHour: 0.25, Alpha: 0.04, Beta: 0.12},
}

// jumpVarianceMultiplier returns 1 + λ_5min*(α²+β²) for category.
func jumpVarianceMultiplier(category domain.TokenCategory) float64 {
	p, ok := jumpTable[category]
	if !ok {
		p = jumpTable[domain.CategoryUnreliable]
	}
	lambda5min := p.LambdaPerHour / 12.0
	return 1 + lambda5min*(p.Alpha*p.Alpha+p.Beta*p.Beta)
}

// buildCovariance assembles the exposure-weighted, jump-adjusted
// covariance matrix over returns' index-token log-price series, in the
// same order as returns.
func buildCovariance(returns []marketReturn, tokens *domain.TokenRegistry) [][]float64 {
	n := len(returns)
	series := make([][]float64, n)
	exposures := make([]float64, n)
	categories := make([]domain.TokenCategory, n)

	for i, r := range returns {
		series[i] = logReturns(r.Slice.IndexPrices)
		poolValue := r.Slice.Market.PoolValue()
		netOI := r.Slice.Market.OILongNotionalUSD.Sub(r.Slice.Market.OIShortNotionalUSD)
		if !poolValue.IsZero() {
			e, _ := netOI.Div(poolValue).Float64()
			exposures[i] = e
		}
		if tok, ok := tokens.Get(r.Slice.Market.IndexTokenAddr); ok {
			categories[i] = tok.Category
		} else {
			categories[i] = domain.CategoryUnreliable
		}
	}

	sigma := make([][]float64, n)
	for i := range sigma {
		sigma[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov := sampleCovariance(series[i], series[j]) * exposures[i] * exposures[j]
			sigma[i][j] = cov
			sigma[j][i] = cov
		}
	}
	for i := 0; i < n; i++ {
		sigma[i][i] *= jumpVarianceMultiplier(categories[i])
	}
	return sigma
}
