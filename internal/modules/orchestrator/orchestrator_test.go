package orchestrator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/yieldfarm/perphedge/internal/domain"
)

func TestTokenBySymbol(t *testing.T) {
	tokens := domain.NewTokenRegistry()
	tokens.Upsert(domain.AssetToken{Address: "0xWETH", Symbol: "WETH", MidPrice: decimal.NewFromInt(2000)})
	tokens.Upsert(domain.AssetToken{Address: "0xUSDC", Symbol: "USDC", MidPrice: decimal.NewFromInt(1)})

	o := &Orchestrator{tokenRegistry: tokens}

	tok, ok := o.tokenBySymbol("WETH")
	assert.True(t, ok)
	assert.Equal(t, "0xWETH", tok.Address)

	_, ok = o.tokenBySymbol("ARB")
	assert.False(t, ok)
}

func TestPortfolioSnapshot_ZeroSumsYieldZeroTotal(t *testing.T) {
	snapshot := domain.PortfolioSnapshot{
		MarketBalances: map[string]decimal.Decimal{},
		MarketValueUSD: map[string]decimal.Decimal{},
		AssetBalances:  map[string]decimal.Decimal{},
		AssetValueUSD:  map[string]decimal.Decimal{},
		HedgePositions: map[string]domain.HedgePosition{},
	}
	snapshot.TotalValueUSD = snapshot.MarketValueSum.Add(snapshot.AssetValueSum)
	assert.True(t, snapshot.TotalValueUSD.IsZero())
}
