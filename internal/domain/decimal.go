package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ScaleDown converts a raw protocol integer (e.g. an ERC-20 balance or a
// GMX-style 1e30-scaled price) to a Decimal given the token's decimal
// count. ScaleUp is its inverse; composing the two is the identity
// round-trip law of §8.
func ScaleDown(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -decimals)
}

// ScaleUp converts a Decimal back to a raw protocol integer at the given
// decimal count, truncating any precision beyond what the integer scale
// can represent.
func ScaleUp(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).BigInt()
}
