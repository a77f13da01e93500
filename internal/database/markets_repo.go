package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// MarketRepository persists market identity and market_states rows.
type MarketRepository struct {
	db *sql.DB
}

func NewMarketRepository(db *sql.DB) *MarketRepository {
	return &MarketRepository{db: db}
}

func (r *MarketRepository) UpsertMarket(ctx context.Context, address string, indexTokenID, longTokenID, shortTokenID int64) (int64, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO markets(address, index_token_id, long_token_id, short_token_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET index_token_id=excluded.index_token_id,
		   long_token_id=excluded.long_token_id, short_token_id=excluded.short_token_id`,
		address, indexTokenID, longTokenID, shortTokenID,
	)
	if err != nil {
		return 0, fmt.Errorf("UpsertMarket: %w", err)
	}
	return r.IDForAddress(ctx, address)
}

func (r *MarketRepository) IDForAddress(ctx context.Context, address string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM markets WHERE address = ?`, address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("IDForAddress(%s): %w", address, err)
	}
	return id, nil
}

// InsertState writes one market_states row. The caller is responsible for
// having already folded the drained buffer increments into the
// cumulative fee fields (fee monotonicity, §8).
func (r *MarketRepository) InsertState(ctx context.Context, marketID int64, s domain.MarketState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO market_states (
			market_id, timestamp, borrowing_factor_long, borrowing_factor_short,
			pnl_long, pnl_short, pnl_net,
			gm_price_min, gm_price_max, gm_price_mid,
			pool_long_amount, pool_short_amount, pool_impact_amount,
			pool_long_usd, pool_short_usd, pool_impact_usd,
			oi_long_notional_usd, oi_short_notional_usd,
			oi_long_via_tokens_usd, oi_short_via_tokens_usd,
			oi_long_token_amount, oi_short_token_amount,
			utilization, swap_volume_usd, trading_volume_usd,
			fees_position_usd, fees_liquidation_usd, fees_swap_usd, fees_borrowing_usd, fees_total_usd,
			has_supply
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		marketID, s.Timestamp.UTC().Format(time.RFC3339),
		s.BorrowingFactorLong.String(), s.BorrowingFactorShort.String(),
		s.PnlLong.String(), s.PnlShort.String(), s.PnlNet.String(),
		s.GMPriceMin.String(), s.GMPriceMax.String(), s.GMPriceMid.String(),
		s.PoolLongAmount.String(), s.PoolShortAmount.String(), s.PoolImpactAmount.String(),
		s.PoolLongUSD.String(), s.PoolShortUSD.String(), s.PoolImpactUSD.String(),
		s.OILongNotionalUSD.String(), s.OIShortNotionalUSD.String(),
		s.OILongViaTokensUSD.String(), s.OIShortViaTokensUSD.String(),
		s.OILongTokenAmount.String(), s.OIShortTokenAmount.String(),
		s.Utilization.String(), s.SwapVolumeUSD.String(), s.TradingVolumeUSD.String(),
		s.FeesPositionUSD.String(), s.FeesLiquidationUSD.String(), s.FeesSwapUSD.String(), s.FeesBorrowingUSD.String(), s.FeesTotalUSD.String(),
		boolToInt(s.HasSupply),
	)
	if err != nil {
		return fmt.Errorf("InsertState: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// LatestState returns the most recent market_states row for marketID, or
// (MarketState{}, false) if none exists yet — the cumulative-fee base
// case when no prior row exists.
func (r *MarketRepository) LatestState(ctx context.Context, marketID int64) (domain.MarketState, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT market_id, timestamp, borrowing_factor_long, borrowing_factor_short,
			pnl_long, pnl_short, pnl_net, gm_price_min, gm_price_max, gm_price_mid,
			pool_long_amount, pool_short_amount, pool_impact_amount,
			pool_long_usd, pool_short_usd, pool_impact_usd,
			oi_long_notional_usd, oi_short_notional_usd, oi_long_via_tokens_usd, oi_short_via_tokens_usd,
			oi_long_token_amount, oi_short_token_amount, utilization, swap_volume_usd, trading_volume_usd,
			fees_position_usd, fees_liquidation_usd, fees_swap_usd, fees_borrowing_usd, fees_total_usd, has_supply
		FROM market_states WHERE market_id = ? ORDER BY timestamp DESC LIMIT 1`, marketID)

	s, err := scanMarketState(row)
	if err == sql.ErrNoRows {
		return domain.MarketState{}, false, nil
	}
	if err != nil {
		return domain.MarketState{}, false, fmt.Errorf("LatestState: %w", err)
	}
	return s, true, nil
}

// StatesSince returns every market_states row for marketID with
// timestamp >= since, ascending — C3's trailing window read.
func (r *MarketRepository) StatesSince(ctx context.Context, marketID int64, since time.Time) ([]domain.MarketState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT market_id, timestamp, borrowing_factor_long, borrowing_factor_short,
			pnl_long, pnl_short, pnl_net, gm_price_min, gm_price_max, gm_price_mid,
			pool_long_amount, pool_short_amount, pool_impact_amount,
			pool_long_usd, pool_short_usd, pool_impact_usd,
			oi_long_notional_usd, oi_short_notional_usd, oi_long_via_tokens_usd, oi_short_via_tokens_usd,
			oi_long_token_amount, oi_short_token_amount, utilization, swap_volume_usd, trading_volume_usd,
			fees_position_usd, fees_liquidation_usd, fees_swap_usd, fees_borrowing_usd, fees_total_usd, has_supply
		FROM market_states WHERE market_id = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		marketID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("StatesSince: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketState
	for rows.Next() {
		s, err := scanMarketState(rows)
		if err != nil {
			return nil, fmt.Errorf("StatesSince scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarketState(row rowScanner) (domain.MarketState, error) {
	var s domain.MarketState
	var ts string
	var bfl, bfs, pnlL, pnlS, pnlN string
	var gmMin, gmMax, gmMid string
	var plA, psA, piA, plU, psU, piU string
	var oiLN, oiSN, oiLV, oiSV, oiLT, oiST string
	var util, swapVol, tradeVol string
	var feeP, feeL, feeSw, feeB, feeT string
	var hasSupply int

	err := row.Scan(&s.MarketID, &ts, &bfl, &bfs, &pnlL, &pnlS, &pnlN,
		&gmMin, &gmMax, &gmMid,
		&plA, &psA, &piA, &plU, &psU, &piU,
		&oiLN, &oiSN, &oiLV, &oiSV, &oiLT, &oiST,
		&util, &swapVol, &tradeVol,
		&feeP, &feeL, &feeSw, &feeB, &feeT, &hasSupply)
	if err != nil {
		return domain.MarketState{}, err
	}

	s.Timestamp, _ = time.Parse(time.RFC3339, ts)
	s.BorrowingFactorLong, _ = decimal.NewFromString(bfl)
	s.BorrowingFactorShort, _ = decimal.NewFromString(bfs)
	s.PnlLong, _ = decimal.NewFromString(pnlL)
	s.PnlShort, _ = decimal.NewFromString(pnlS)
	s.PnlNet, _ = decimal.NewFromString(pnlN)
	s.GMPriceMin, _ = decimal.NewFromString(gmMin)
	s.GMPriceMax, _ = decimal.NewFromString(gmMax)
	s.GMPriceMid, _ = decimal.NewFromString(gmMid)
	s.PoolLongAmount, _ = decimal.NewFromString(plA)
	s.PoolShortAmount, _ = decimal.NewFromString(psA)
	s.PoolImpactAmount, _ = decimal.NewFromString(piA)
	s.PoolLongUSD, _ = decimal.NewFromString(plU)
	s.PoolShortUSD, _ = decimal.NewFromString(psU)
	s.PoolImpactUSD, _ = decimal.NewFromString(piU)
	s.OILongNotionalUSD, _ = decimal.NewFromString(oiLN)
	s.OIShortNotionalUSD, _ = decimal.NewFromString(oiSN)
	s.OILongViaTokensUSD, _ = decimal.NewFromString(oiLV)
	s.OIShortViaTokensUSD, _ = decimal.NewFromString(oiSV)
	s.OILongTokenAmount, _ = decimal.NewFromString(oiLT)
	s.OIShortTokenAmount, _ = decimal.NewFromString(oiST)
	s.Utilization, _ = decimal.NewFromString(util)
	s.SwapVolumeUSD, _ = decimal.NewFromString(swapVol)
	s.TradingVolumeUSD, _ = decimal.NewFromString(tradeVol)
	s.FeesPositionUSD, _ = decimal.NewFromString(feeP)
	s.FeesLiquidationUSD, _ = decimal.NewFromString(feeL)
	s.FeesSwapUSD, _ = decimal.NewFromString(feeSw)
	s.FeesBorrowingUSD, _ = decimal.NewFromString(feeB)
	s.FeesTotalUSD, _ = decimal.NewFromString(feeT)
	s.HasSupply = hasSupply != 0

	return s, nil
}
