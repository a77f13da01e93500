package hedge

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// orderState tracks one in-flight or completed hedge order.
type orderState struct {
	ID         string
	Symbol     string
	SideIsBuy  bool
	Status     string // "LIVE" | "FILLED" | "CANCELLED"
	Size       decimal.Decimal
	FilledSize decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// position tracks the venue's net size per symbol, reconciled against
// domain.HedgePosition for the planner's current-vs-target comparison
// (§4.4: "target_size compared against current_size").
type position struct {
	Symbol  string
	NetSize decimal.Decimal
}

// Tracker is the hedge client's order/position bookkeeping, grounded on
// GoPolymarket's execution/tracker.go: mutex-protected maps, fills folded
// into position size rather than full avg-entry/PnL accounting (the
// hedge venue itself is the system of record for realized PnL; this
// tracker only needs net size for the planner's delta computation).
type Tracker struct {
	mu        sync.RWMutex
	orders    map[string]*orderState
	positions map[string]*position
	OnFill    func(symbol string, sideIsBuy bool, size decimal.Decimal)
}

func NewTracker() *Tracker {
	return &Tracker{
		orders:    make(map[string]*orderState),
		positions: make(map[string]*position),
	}
}

// RegisterOrder records a just-placed order before any fill confirmation
// arrives.
func (t *Tracker) RegisterOrder(orderID, symbol string, sideIsBuy bool, size decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.orders[orderID] = &orderState{
		ID:        orderID,
		Symbol:    symbol,
		SideIsBuy: sideIsBuy,
		Status:    "LIVE",
		Size:      size,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RecordFill folds a fill into the order's filled size and the symbol's
// net position, then invokes OnFill if set.
func (t *Tracker) RecordFill(orderID string, filledSize decimal.Decimal) {
	t.mu.Lock()
	o, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return
	}
	o.FilledSize = o.FilledSize.Add(filledSize)
	o.UpdatedAt = time.Now()
	if o.FilledSize.GreaterThanOrEqual(o.Size) {
		o.Status = "FILLED"
	}

	pos, ok := t.positions[o.Symbol]
	if !ok {
		pos = &position{Symbol: o.Symbol}
		t.positions[o.Symbol] = pos
	}
	signed := filledSize
	if !o.SideIsBuy {
		signed = signed.Neg()
	}
	pos.NetSize = pos.NetSize.Add(signed)

	symbol, sideIsBuy, size := o.Symbol, o.SideIsBuy, filledSize
	cb := t.OnFill
	t.mu.Unlock()

	if cb != nil {
		cb(symbol, sideIsBuy, size)
	}
}

// CancelOrder marks an order cancelled (no-op if unknown, matching the
// venue-side idempotent cancel semantics).
func (t *Tracker) CancelOrder(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.orders[orderID]; ok {
		o.Status = "CANCELLED"
		o.UpdatedAt = time.Now()
	}
}

// Position returns the tracker's locally known net size for symbol,
// exposed as domain.HedgePosition for the planner's §4.4 comparison.
func (t *Tracker) Position(symbol string) domain.HedgePosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return domain.HedgePosition{Symbol: symbol, Size: decimal.Zero}
	}
	return domain.HedgePosition{Symbol: symbol, Size: p.NetSize}
}

// Positions returns a snapshot of every tracked symbol's net size.
func (t *Tracker) Positions() map[string]domain.HedgePosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]domain.HedgePosition, len(t.positions))
	for symbol, p := range t.positions {
		out[symbol] = domain.HedgePosition{Symbol: symbol, Size: p.NetSize}
	}
	return out
}

// SeedPosition overwrites the tracked net size for symbol from an
// authoritative venue read. The orchestrator calls it on every cycle,
// before planning, with the venue's live position sizes.
func (t *Tracker) SeedPosition(symbol string, size decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[symbol] = &position{Symbol: symbol, NetSize: size}
}

// OpenOrderIDs returns the IDs of all LIVE orders for symbol.
func (t *Tracker) OpenOrderIDs(symbol string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for _, o := range t.orders {
		if o.Symbol == symbol && o.Status == "LIVE" {
			ids = append(ids, o.ID)
		}
	}
	return ids
}
