// Package postgres provides the Postgres-backed snapshot store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmansell/quotewatch/internal/market"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for snapshot rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Backend stores one row per category:
//
//	CREATE TABLE quote_snapshots (
//	    category   TEXT PRIMARY KEY,
//	    metadata   JSONB NOT NULL,
//	    records    JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Backend struct {
	pool  querier
	table string
}

// New creates a Postgres-backed Backend using the provided config.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "quote_snapshots"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Backend{pool: pool, table: table}, nil
}

// NewWithPool constructs a Backend from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string) (*Backend, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "quote_snapshots"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backend{pool: pool, table: table}, nil
}

// Load reads the category snapshot row.
func (b *Backend) Load(ctx context.Context, category string) (market.Snapshot, bool, error) {
	query := fmt.Sprintf(`SELECT metadata, records FROM %s WHERE category = $1`, b.table)
	var metaJSON, recordsJSON []byte
	err := b.pool.QueryRow(ctx, query, category).Scan(&metaJSON, &recordsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Snapshot{}, false, nil
	}
	if err != nil {
		return market.Snapshot{}, false, fmt.Errorf("select snapshot: %w", err)
	}
	var snap market.Snapshot
	if err := json.Unmarshal(metaJSON, &snap.Metadata); err != nil {
		return market.Snapshot{}, false, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(recordsJSON, &snap.Records); err != nil {
		return market.Snapshot{}, false, fmt.Errorf("unmarshal records: %w", err)
	}
	return snap, true, nil
}

// Save upserts the category snapshot row.
func (b *Backend) Save(ctx context.Context, category string, snap market.Snapshot) error {
	metaJSON, err := json.Marshal(snap.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	recordsJSON, err := json.Marshal(snap.Records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (category, metadata, records, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (category) DO UPDATE
SET metadata = EXCLUDED.metadata,
    records = EXCLUDED.records,
    updated_at = NOW()`, b.table)
	if _, err := b.pool.Exec(ctx, query, category, metaJSON, recordsJSON); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Ping checks pool liveness.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (b *Backend) Close() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.Close()
}
