package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "edc-server"

// NewPool opens and pings a pgx pool built by poolConfig.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, statementTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL, maxConns, minConns, statementTimeout)
	if err != nil {
		return nil, err
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

// poolConfig parses databaseURL and applies the pool bounds. A positive
// statementTimeout becomes the server-side statement_timeout of every
// connection, bounding rule evaluation and query creation. Sessions are tagged
// with an application_name unless the URL sets one.
func poolConfig(databaseURL string, maxConns, minConns int32, statementTimeout time.Duration) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 && minConns <= cfg.MaxConns {
		cfg.MinConns = minConns
	}

	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = applicationName
	}
	if statementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	}
	return cfg, nil
}
