package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldfarm/perphedge/internal/clients/hedge"
	"github.com/yieldfarm/perphedge/internal/domain"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func makeSlice(now time.Time, n int, oldestAge time.Duration, oiUSD float64) domain.MarketStateSlice {
	timestamps := make([]time.Time, n)
	prices := make([]decimal.Decimal, n)
	fees := make([]decimal.Decimal, n)
	step := oldestAge / time.Duration(n-1)
	for i := 0; i < n; i++ {
		timestamps[i] = now.Add(-oldestAge + step*time.Duration(i))
		prices[i] = usd(1000 + float64(i))
		fees[i] = usd(5)
	}
	m := &domain.Market{
		Address:            "0xMarket",
		IndexTokenAddr:     "0xIndex",
		LongTokenAddr:      "0xLong",
		ShortTokenAddr:     "0xShort",
		PoolLongUSD:        usd(500_000),
		PoolShortUSD:       usd(500_000),
		OILongNotionalUSD:  usd(oiUSD / 2),
		OIShortNotionalUSD: usd(oiUSD / 2),
	}
	return domain.MarketStateSlice{
		MarketID:    1,
		Market:      m,
		Timestamps:  timestamps,
		IndexPrices: prices,
		FeesUSD:     fees,
		Latest:      domain.MarketState{FeesTotalUSD: usd(5)},
	}
}

func TestEligibleMarkets_FiltersOnHistoryFreshnessAndOI(t *testing.T) {
	now := time.Now()

	tooFewObservations := makeSlice(now, 10, 30*time.Hour, 20_000)
	tooShortWindow := makeSlice(now, minObservations, 10*time.Hour, 20_000)
	tooStale := makeSlice(now, minObservations, 30*time.Hour, 20_000)
	for i := range tooStale.Timestamps {
		tooStale.Timestamps[i] = tooStale.Timestamps[i].Add(-2 * time.Hour)
	}
	lowOI := makeSlice(now, minObservations, 30*time.Hour, 1_000)
	good := makeSlice(now, minObservations, 30*time.Hour, 20_000)

	out := eligibleMarkets([]domain.MarketStateSlice{tooFewObservations, tooShortWindow, tooStale, lowOI, good}, now)
	require.Len(t, out, 1)
	assert.Equal(t, good.Market.Address, out[0].Market.Address)
}

func TestExpectedReturns_FeeOnlyFallbackWithoutHedgeListing(t *testing.T) {
	now := time.Now()
	slice := makeSlice(now, minObservations, 30*time.Hour, 20_000)

	tokens := domain.NewTokenRegistry()
	tokens.Upsert(domain.AssetToken{Address: "0xLong", Symbol: "ARB"})
	tokens.Upsert(domain.AssetToken{Address: "0xShort", Symbol: "USDC", IsStable: true})

	out := expectedReturns([]domain.MarketStateSlice{slice}, tokens, map[string]hedge.PerpetualMarket{})
	require.Len(t, out, 1)
	assert.Equal(t, out[0].FeeReturn, out[0].ExpectedReturn)
	assert.Zero(t, out[0].FundingCost)
}

func TestExpectedReturns_AppliesFundingAndOpportunityCostWhenHedged(t *testing.T) {
	now := time.Now()
	slice := makeSlice(now, minObservations, 30*time.Hour, 20_000)

	tokens := domain.NewTokenRegistry()
	tokens.Upsert(domain.AssetToken{Address: "0xLong", Symbol: "ARB"})
	tokens.Upsert(domain.AssetToken{Address: "0xShort", Symbol: "USDC", IsStable: true})

	hedgeMarkets := map[string]hedge.PerpetualMarket{
		"ARB": {
			Ticker:                "ARB-USD",
			FundingRate8h:         decimal.NewFromFloat(0.0001),
			InitialMarginFraction: decimal.NewFromFloat(0.05), // 20x leverage
		},
	}

	out := expectedReturns([]domain.MarketStateSlice{slice}, tokens, hedgeMarkets)
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0].ExposedCapitalFrac) // short side is a recognised stable
	assert.NotEqual(t, out[0].FeeReturn, out[0].ExpectedReturn)
}

func TestJumpVarianceMultiplier_OrdersByCategoryRisk(t *testing.T) {
	blueChip := jumpVarianceMultiplier(domain.CategoryBlueChip)
	midCap := jumpVarianceMultiplier(domain.CategoryMidCap)
	unreliable := jumpVarianceMultiplier(domain.CategoryUnreliable)

	assert.Greater(t, midCap, blueChip)
	assert.Greater(t, unreliable, midCap)
}

func TestSampleCovariance_TruncatesToShortestSeries(t *testing.T) {
	x := []float64{0.01, 0.02, 0.03, 0.04}
	y := []float64{0.01, 0.02}
	cov := sampleCovariance(x, y)
	assert.NotZero(t, cov)
}
