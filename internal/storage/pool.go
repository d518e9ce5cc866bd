// Package storage provides the PostgreSQL storage layer for kioku.
//
// It manages connection pooling, the embedded schema migrations, the
// tenant-scoped batched queries behind every retrieval stage, and the
// transactional upserts used by the graph deriver. Every query includes
// org_id in its WHERE clause; callers cannot reach across tenants.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool with the kioku query surface.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates a new DB with a connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection. Best-effort: during
	// first boot the vector extension may not exist yet; later connections
	// succeed once migrations have run.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered yet", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Tx wraps a pgx transaction with the deriver-side write surface.
type Tx struct {
	tx     pgx.Tx
	logger *slog.Logger
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return pgx.BeginFunc(ctx, db.pool, func(ptx pgx.Tx) error {
		return fn(ctx, &Tx{tx: ptx, logger: db.logger})
	})
}
