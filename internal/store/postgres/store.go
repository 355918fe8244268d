// Package postgres is the relational store.Gateway implementation,
// backed by a pgxpool connection pool. Each exported method is a single
// logical transaction; no state is shared across calls except the pool
// itself, so the Store is safe for concurrent use by every ingestion
// subsystem at once.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Config configures the connection pool. PoolSize plus MaxOverflow sets
// the pool's MaxConns, mirroring the original SQLAlchemy engine's
// pool_size=5, max_overflow=10; no minimum number of open connections
// is kept.
type Config struct {
	DatabaseURL string
	PoolSize    int32
	MaxOverflow int32
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PoolSize == 0 {
		out.PoolSize = 5
	}
	if out.MaxOverflow == 0 {
		out.MaxOverflow = 10
	}
	return out
}

// Store is the postgres-backed store.Gateway.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool, pings it, and initializes the schema.
// Schema init failure is fatal: per the error handling design the
// daemon cannot start without its store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.PoolSize + cfg.MaxOverflow
	poolCfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}

	slog.Info("postgres store ready", "pool_size", cfg.PoolSize, "max_overflow", cfg.MaxOverflow)
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping satisfies metrics.Pinger for the liveness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
