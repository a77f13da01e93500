package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/yieldfarm/perphedge/internal/domain"
)

func TestGasLimitActionKind(t *testing.T) {
	assert.Equal(t, "deposit", gasLimitActionKind(domain.ActionGmDeposit))
	assert.Equal(t, "withdrawal", gasLimitActionKind(domain.ActionGmWithdrawal))
	assert.Equal(t, "shift", gasLimitActionKind(domain.ActionGmShift))
	assert.Equal(t, "", gasLimitActionKind(domain.ActionSpotSwap))
	assert.Equal(t, "", gasLimitActionKind(domain.ActionHedgeOrder))
}

func TestToRaw(t *testing.T) {
	raw := toRaw(decimal.NewFromFloat(1.5), 6)
	assert.Equal(t, "1500000", raw.String())

	raw18 := toRaw(decimal.NewFromInt(2), 18)
	assert.Equal(t, "2000000000000000000", raw18.String())

	assert.Equal(t, "0", toRaw(decimal.Zero, 18).String())
}

func TestIsReduceOnly(t *testing.T) {
	cases := []struct {
		name       string
		current    decimal.Decimal
		sideIsBuy  bool
		wantReduce bool
	}{
		{"sell against long position reduces", decimal.NewFromInt(10), false, true},
		{"buy against long position adds", decimal.NewFromInt(10), true, false},
		{"buy against short position reduces", decimal.NewFromInt(-10), true, true},
		{"sell against short position adds", decimal.NewFromInt(-10), false, false},
		{"flat position is never reduce-only", decimal.Zero, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := domain.HedgePosition{Symbol: "WETH", Size: tc.current}
			assert.Equal(t, tc.wantReduce, isReduceOnly(pos, tc.sideIsBuy))
		})
	}
}

func TestExecute_UnknownActionKindIsConstraintError(t *testing.T) {
	e := &Engine{}
	trade := e.execute(nil, 1, domain.TradeAction{Kind: domain.TradeActionKind("bogus")})
	assert.Equal(t, domain.StatusFailed, trade.Status)
	assert.Equal(t, domain.ErrConstraint, trade.ErrorKind)
}
