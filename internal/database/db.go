// Package database wraps the single sqlite store that backs every table
// in spec §6, following the teacher's internal/database: WAL mode, a
// bounded connection pool, and a schema-file migrator located relative to
// this package's source file.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schemas/*.sql
var schemaFS embed.FS

type DB struct {
	*sql.DB
	path string
}

// New opens (and creates, if absent) the sqlite database at path with the
// pragmas the poller/strategy/planner/engine tiers all rely on: WAL
// journal mode, a bounded pool (default max-open 5 per §5), and foreign
// keys enforced.
func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("database.New: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(24 * time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database.New: ping: %w", err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Migrate applies every schemas/*.sql file in lexical order. Each file is
// expected to be idempotent (CREATE TABLE IF NOT EXISTS, CREATE INDEX IF
// NOT EXISTS).
func (d *DB) Migrate(ctx context.Context) error {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return fmt.Errorf("database.Migrate: read schemas dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := schemaFS.ReadFile(filepath.Join("schemas", name))
		if err != nil {
			return fmt.Errorf("database.Migrate: read %s: %w", name, err)
		}
		if _, err := d.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("database.Migrate: apply %s: %w", name, err)
		}
	}
	return nil
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back (including on panic) otherwise — the teacher's
// begin/defer-rollback/commit helper.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("WithTransaction: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// HealthCheck runs a trivial round-trip query with a bounded timeout,
// used by the status server's /healthz.
func (d *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	return d.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}
