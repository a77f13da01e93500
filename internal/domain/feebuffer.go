package domain

import (
	"sync"

	"github.com/shopspring/decimal"
)

// FeeBuffer is the shared mutable snapshot buffer of §4.1/§4.2/§5: C1
// holds the write side (one lock acquisition per decoded event), C2 is
// the sole reader-with-drain (one atomic swap-and-clear per tick). The
// lock is never held across an await other than the drain-swap itself.
type FeeBuffer struct {
	mu      sync.Mutex
	byMarket map[string]*MarketFees
}

func NewFeeBuffer() *FeeBuffer {
	return &FeeBuffer{byMarket: map[string]*MarketFees{}}
}

func (b *FeeBuffer) entry(market string) *MarketFees {
	e, ok := b.byMarket[market]
	if !ok {
		e = NewMarketFees()
		b.byMarket[market] = e
	}
	return e
}

// AddPositionFees folds a decoded PositionFeesCollected event into the
// buffer under the write lock.
func (b *FeeBuffer) AddPositionFees(market, collateralToken string, tradeSizeUSD, positionFeeForPool, borrowingFeeForPool, liquidationFeeForPool decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(market).AddPositionFees(collateralToken, tradeSizeUSD, positionFeeForPool, borrowingFeeForPool, liquidationFeeForPool)
}

// AddSwapFees folds a decoded SwapFeesCollected event into the buffer
// under the write lock.
func (b *FeeBuffer) AddSwapFees(market, token string, feeForPool, amountAfterFees decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(market).AddSwapFees(token, feeForPool, amountAfterFees)
}

// Drain atomically swaps the buffer's contents with a fresh empty map and
// returns the old contents. Events that arrive after Drain returns are
// attributed to the next tick; events folded in before Drain are
// attributed to the snapshot Drain returns (§4.2 "drain semantics").
func (b *FeeBuffer) Drain() map[string]*MarketFees {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := b.byMarket
	b.byMarket = map[string]*MarketFees{}
	return snapshot
}
