package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// StrategyRepository persists strategy_runs and strategy_targets rows.
type StrategyRepository struct {
	db *sql.DB
}

func NewStrategyRepository(db *sql.DB) *StrategyRepository {
	return &StrategyRepository{db: db}
}

// InsertRun writes the run header and every positive-weight target
// inside one transaction, per §4.3 "Persist."
func (r *StrategyRepository) InsertRun(ctx context.Context, run domain.StrategyRun, targets []domain.StrategyTarget) (int64, error) {
	var runID int64
	err := WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO strategy_runs(timestamp, strategy_version, total_weight, expected_return_bps, volatility_bps, sharpe)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.Timestamp.UTC().Format(time.RFC3339), run.StrategyVersion,
			run.TotalWeight.String(), run.ExpectedReturnBps.String(), run.VolatilityBps.String(), run.Sharpe.String(),
		)
		if err != nil {
			return fmt.Errorf("insert strategy_runs: %w", err)
		}
		runID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("strategy_runs last insert id: %w", err)
		}
		for _, t := range targets {
			if !t.TargetWeight.IsPositive() {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO strategy_targets(strategy_run_id, market_id, target_weight, expected_return_bps, variance_bps)
				 VALUES (?, ?, ?, ?, ?)`,
				runID, t.MarketID, t.TargetWeight.String(), t.ExpectedReturnBps.String(), t.VarianceBps.String(),
			); err != nil {
				return fmt.Errorf("insert strategy_targets: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return runID, nil
}

// LatestRun returns the newest strategy_runs row and its targets.
func (r *StrategyRepository) LatestRun(ctx context.Context) (domain.StrategyRun, []domain.StrategyTarget, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, timestamp, strategy_version, total_weight, expected_return_bps, volatility_bps, sharpe
		 FROM strategy_runs ORDER BY timestamp DESC LIMIT 1`)

	var run domain.StrategyRun
	var ts, totalW, retBps, volBps, sharpe string
	err := row.Scan(&run.ID, &ts, &run.StrategyVersion, &totalW, &retBps, &volBps, &sharpe)
	if err == sql.ErrNoRows {
		return domain.StrategyRun{}, nil, false, nil
	}
	if err != nil {
		return domain.StrategyRun{}, nil, false, fmt.Errorf("LatestRun: %w", err)
	}
	run.Timestamp, _ = time.Parse(time.RFC3339, ts)
	run.TotalWeight, _ = decimal.NewFromString(totalW)
	run.ExpectedReturnBps, _ = decimal.NewFromString(retBps)
	run.VolatilityBps, _ = decimal.NewFromString(volBps)
	run.Sharpe, _ = decimal.NewFromString(sharpe)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, strategy_run_id, market_id, target_weight, expected_return_bps, variance_bps
		 FROM strategy_targets WHERE strategy_run_id = ?`, run.ID)
	if err != nil {
		return run, nil, true, fmt.Errorf("LatestRun targets: %w", err)
	}
	defer rows.Close()

	var targets []domain.StrategyTarget
	for rows.Next() {
		var t domain.StrategyTarget
		var w, ret, varc string
		if err := rows.Scan(&t.ID, &t.StrategyRunID, &t.MarketID, &w, &ret, &varc); err != nil {
			return run, nil, true, fmt.Errorf("LatestRun targets scan: %w", err)
		}
		t.TargetWeight, _ = decimal.NewFromString(w)
		t.ExpectedReturnBps, _ = decimal.NewFromString(ret)
		t.VarianceBps, _ = decimal.NewFromString(varc)
		targets = append(targets, t)
	}
	return run, targets, true, rows.Err()
}
