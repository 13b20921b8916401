package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/labtat/labtat/internal/platform/retry"
)

// PoolConfig describes the pool a command needs.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// Schema is placed first on every connection's search_path. Empty or
	// "public" leaves the server default in place.
	Schema string
}

func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns

	if pc.Schema != "" && pc.Schema != "public" {
		if !ValidSchema(pc.Schema) {
			return nil, fmt.Errorf("invalid schema name: %s", pc.Schema)
		}
		path := SearchPath(pc.Schema)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, path)
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Connect opens a pool, retrying transient connection failures with
// backoff. Configuration errors are returned immediately.
func Connect(ctx context.Context, pc PoolConfig, policy retry.Policy, logger zerolog.Logger) (*pgxpool.Pool, error) {
	if _, err := pgxpool.ParseConfig(pc.URL); err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	var pool *pgxpool.Pool
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		p, err := NewPool(ctx, pc)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}, func(attempt int, wait time.Duration, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("database connection failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", policy.MaxAttempts, err)
	}
	return pool, nil
}
