package postgresutil

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the Postgres configuration.
type Config struct {
	DSN      string `env:"DSN,required"`
	MaxConns int32  `env:"MAX_CONNS"` // default: pgxpool's
}

// NewPool returns a pool for the connection string.
// If maxConns is zero, pgxpool's default is kept.
func NewPool(ctx context.Context, connectionString string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return pool, nil
}
