// Package accesspg feeds Postgres access_control notifications into the change hub.
package accesspg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BuildPool creates a small pgx pool for the notification listener.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("accesspg.pool.config: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("accesspg.pool.connect: %w", err)
	}
	return pool, nil
}
