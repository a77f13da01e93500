package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// TradeRepository persists trades rows — one per attempted TradeAction,
// regardless of outcome (§4.5 "Reporting").
type TradeRepository struct {
	db *sql.DB
}

func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

func (r *TradeRepository) Insert(ctx context.Context, t domain.Trade) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO trades(timestamp, action_type, strategy_run_id, market_id, from_token_id, to_token_id,
			amount_in, amount_out, usd_value, fee_usd, tx_hash, status, error_kind, details)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Timestamp.UTC().Format(time.RFC3339), t.ActionType,
		nullableInt64(t.StrategyRunID), nullableInt64(t.MarketID), nullableInt64(t.FromTokenID), nullableInt64(t.ToTokenID),
		t.AmountIn.String(), t.AmountOut.String(), t.USDValue.String(), t.FeeUSD.String(),
		t.TxHash, t.Status, t.ErrorKind, t.Details,
	)
	if err != nil {
		return 0, fmt.Errorf("TradeRepository.Insert: %w", err)
	}
	return res.LastInsertId()
}

func nullableInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// PortfolioRepository persists the derived portfolio_snapshots row.
type PortfolioRepository struct {
	db *sql.DB
}

func NewPortfolioRepository(db *sql.DB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

func (r *PortfolioRepository) Insert(ctx context.Context, s domain.PortfolioSnapshotRow) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO portfolio_snapshots(timestamp, total_value_usd, market_value_usd, asset_value_usd, hedge_value_usd, pnl_usd)
		 VALUES (?,?,?,?,?,?)`,
		s.Timestamp.UTC().Format(time.RFC3339), s.TotalValueUSD.String(), s.MarketValueUSD.String(), s.AssetValueUSD.String(), s.HedgeValueUSD.String(), s.PnlUSD.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("PortfolioRepository.Insert: %w", err)
	}
	return res.LastInsertId()
}
