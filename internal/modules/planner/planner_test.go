package planner

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldfarm/perphedge/internal/domain"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func baseTokens() *domain.TokenRegistry {
	tokens := domain.NewTokenRegistry()
	tokens.Upsert(domain.AssetToken{Address: "0xWETH", Symbol: "WETH", MidPrice: usd(2000)})
	tokens.Upsert(domain.AssetToken{Address: "0xUSDC", Symbol: "USDC", IsStable: true, MidPrice: usd(1)})
	tokens.Upsert(domain.AssetToken{Address: "0xARB", Symbol: "ARB", MidPrice: usd(1)})
	return tokens
}

type stubHedgeSource struct {
	positions map[string]domain.HedgePosition
}

func (s stubHedgeSource) Position(symbol string) domain.HedgePosition {
	if p, ok := s.positions[symbol]; ok {
		return p
	}
	return domain.HedgePosition{Symbol: symbol}
}

func TestPlan_NoActionsWhenTotalValueNonPositive(t *testing.T) {
	p := Plan(nil, nil, domain.PortfolioSnapshot{TotalValueUSD: decimal.Zero}, baseTokens(), nil)
	assert.Empty(t, p.Actions)
	assert.NotEmpty(t, p.Notes)
}

func TestPlan_NetsShiftWithinCollateralPair(t *testing.T) {
	marketA := domain.Market{Address: "0xMarketA", LongTokenAddr: "0xWETH", ShortTokenAddr: "0xUSDC", GMPriceMid: usd(1)}
	marketB := domain.Market{Address: "0xMarketB", LongTokenAddr: "0xWETH", ShortTokenAddr: "0xUSDC", GMPriceMid: usd(1)}

	targets := []domain.StrategyTarget{
		{MarketID: 1, TargetWeight: usd(0.2)},
		{MarketID: 2, TargetWeight: usd(0.8)},
	}
	marketByID := map[int64]domain.Market{1: marketA, 2: marketB}

	snapshot := domain.PortfolioSnapshot{
		TotalValueUSD: usd(1000),
		MarketValueUSD: map[string]decimal.Decimal{
			"0xMarketA": usd(800),
			"0xMarketB": usd(200),
		},
		AssetBalances: map[string]decimal.Decimal{},
	}

	p := Plan(targets, marketByID, snapshot, baseTokens(), nil)

	require.Len(t, p.Actions, 1)
	assert.Equal(t, domain.ActionGmShift, p.Actions[0].Kind)
	assert.Equal(t, "0xMarketA", p.Actions[0].FromMarket)
	assert.Equal(t, "0xMarketB", p.Actions[0].ToMarket)
	assert.True(t, p.Actions[0].Amount.Equal(usd(600)))
}

func TestPlan_EmitsWithdrawalAndDepositAcrossGroups(t *testing.T) {
	marketA := domain.Market{Address: "0xMarketA", LongTokenAddr: "0xWETH", ShortTokenAddr: "0xUSDC", GMPriceMid: usd(1)}
	marketC := domain.Market{Address: "0xMarketC", LongTokenAddr: "0xARB", ShortTokenAddr: "0xUSDC", GMPriceMid: usd(1)}

	targets := []domain.StrategyTarget{
		{MarketID: 1, TargetWeight: usd(0.1)},
		{MarketID: 3, TargetWeight: usd(0.9)},
	}
	marketByID := map[int64]domain.Market{1: marketA, 3: marketC}

	snapshot := domain.PortfolioSnapshot{
		TotalValueUSD: usd(1000),
		MarketValueUSD: map[string]decimal.Decimal{
			"0xMarketA": usd(900),
			"0xMarketC": usd(100),
		},
		AssetBalances: map[string]decimal.Decimal{
			"0xUSDC": usd(10000),
		},
	}

	p := Plan(targets, marketByID, snapshot, baseTokens(), nil)

	var sawWithdrawal, sawDeposit bool
	for _, a := range p.Actions {
		if a.Kind == domain.ActionGmWithdrawal {
			sawWithdrawal = true
			assert.Equal(t, "0xMarketA", a.Market)
		}
		if a.Kind == domain.ActionGmDeposit {
			sawDeposit = true
			assert.Equal(t, "0xMarketC", a.Market)
		}
	}
	assert.True(t, sawWithdrawal)
	assert.True(t, sawDeposit)
}

func TestPlan_EmitsHedgeOrderOnMaterialDelta(t *testing.T) {
	marketA := domain.Market{Address: "0xMarketA", LongTokenAddr: "0xWETH", ShortTokenAddr: "0xUSDC", GMPriceMid: usd(1)}
	targets := []domain.StrategyTarget{{MarketID: 1, TargetWeight: usd(1.0)}}
	marketByID := map[int64]domain.Market{1: marketA}

	snapshot := domain.PortfolioSnapshot{
		TotalValueUSD: usd(2000),
		MarketValueUSD: map[string]decimal.Decimal{
			"0xMarketA": usd(2000),
		},
		AssetBalances: map[string]decimal.Decimal{},
	}

	hedgeSource := stubHedgeSource{positions: map[string]domain.HedgePosition{}}

	p := Plan(targets, marketByID, snapshot, baseTokens(), hedgeSource)

	var hedgeAction *domain.TradeAction
	for i := range p.Actions {
		if p.Actions[i].Kind == domain.ActionHedgeOrder {
			hedgeAction = &p.Actions[i]
		}
	}
	require.NotNil(t, hedgeAction)
	assert.Equal(t, "WETH", hedgeAction.TokenSymbol)
	assert.False(t, hedgeAction.SideIsBuy) // short to hedge long exposure
}

func TestPlan_SkipsBelowMinimumDelta(t *testing.T) {
	marketA := domain.Market{Address: "0xMarketA", LongTokenAddr: "0xWETH", ShortTokenAddr: "0xUSDC", GMPriceMid: usd(1)}
	targets := []domain.StrategyTarget{{MarketID: 1, TargetWeight: usd(0.50001)}}
	marketByID := map[int64]domain.Market{1: marketA}

	snapshot := domain.PortfolioSnapshot{
		TotalValueUSD: usd(1000),
		MarketValueUSD: map[string]decimal.Decimal{
			"0xMarketA": usd(500),
		},
		AssetBalances: map[string]decimal.Decimal{},
	}

	p := Plan(targets, marketByID, snapshot, baseTokens(), nil)
	assert.Empty(t, p.Actions)
}
