package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// TokenRepository persists token identity and token_prices rows.
type TokenRepository struct {
	db *sql.DB
}

func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// UpsertToken inserts the token if its address is new and returns its id.
func (r *TokenRepository) UpsertToken(ctx context.Context, t domain.AssetToken) (int64, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens(address, symbol, decimals) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET symbol=excluded.symbol, decimals=excluded.decimals`,
		t.Address, t.Symbol, t.Decimals,
	)
	if err != nil {
		return 0, fmt.Errorf("UpsertToken: %w", err)
	}
	return r.IDForAddress(ctx, t.Address)
}

func (r *TokenRepository) IDForAddress(ctx context.Context, address string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tokens WHERE address = ?`, address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("IDForAddress(%s): %w", address, err)
	}
	return id, nil
}

// InsertPrice records one token_prices row.
func (r *TokenRepository) InsertPrice(ctx context.Context, tokenID int64, p domain.TokenPrice) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_prices(token_id, timestamp, min_price, max_price, mid_price) VALUES (?, ?, ?, ?, ?)`,
		tokenID, p.Timestamp.UTC().Format(time.RFC3339), p.MinPrice.String(), p.MaxPrice.String(), p.MidPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("InsertPrice: %w", err)
	}
	return nil
}

// PricesSince returns every token_prices row for tokenID with
// timestamp >= since, ordered ascending — the strictly-increasing
// timestamp series MarketStateSlice requires.
func (r *TokenRepository) PricesSince(ctx context.Context, tokenID int64, since time.Time) ([]domain.TokenPrice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, token_id, timestamp, min_price, max_price, mid_price FROM token_prices
		 WHERE token_id = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		tokenID, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("PricesSince: %w", err)
	}
	defer rows.Close()

	var out []domain.TokenPrice
	for rows.Next() {
		var p domain.TokenPrice
		var ts, minP, maxP, midP string
		if err := rows.Scan(&p.ID, &p.TokenID, &ts, &minP, &maxP, &midP); err != nil {
			return nil, fmt.Errorf("PricesSince scan: %w", err)
		}
		p.Timestamp, _ = time.Parse(time.RFC3339, ts)
		p.MinPrice, _ = decimal.NewFromString(minP)
		p.MaxPrice, _ = decimal.NewFromString(maxP)
		p.MidPrice, _ = decimal.NewFromString(midP)
		out = append(out, p)
	}
	return out, rows.Err()
}
