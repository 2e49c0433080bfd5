// Package sink persists harvested listing records once a worker finishes
// its assignment.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool used for listing rows.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ListingRow is one harvested record ready for persistence.
type ListingRow struct {
	StoreID    string
	Endpoint   string
	Key        string
	Page       int
	WorkerID   string
	Payload    json.RawMessage
	CapturedAt time.Time
}

// PostgresStore writes listing rows into Postgres. Inserts are idempotent
// on (store_id, record_key) so replayed output files are safe.
type PostgresStore struct {
	pool  execCloser
	table string
}

// NewPostgresStore creates a store with its own connection pool.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "listings"
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
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool,
// primarily for testing.
func NewPostgresStoreWithPool(pool execCloser, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "listings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreListing inserts one listing row. A row with the same store and key
// already present is left untouched.
func (s *PostgresStore) StoreListing(ctx context.Context, row ListingRow) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("listing store is not configured")
	}
	if row.StoreID == "" || row.Key == "" {
		return fmt.Errorf("store id and record key are required")
	}
	payload := row.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	store_id,
	endpoint,
	record_key,
	page,
	worker_id,
	payload,
	captured_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
) ON CONFLICT (store_id, record_key) DO NOTHING`, s.table)

	args := []any{
		row.StoreID,
		row.Endpoint,
		row.Key,
		row.Page,
		row.WorkerID,
		payload,
		row.CapturedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}
