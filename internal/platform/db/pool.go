package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags reminder-server sessions in pg_stat_activity.
const ApplicationName = "reminder-server"

// PoolConfig describes the Postgres pool behind the reminder store.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// Schema, when set, becomes the session search_path so the store's
	// unqualified queries hit the schema the migrator populated.
	Schema string
	// ConnectTimeout is how long NewPool keeps retrying the first ping while
	// the database comes up. Zero means a single attempt.
	ConnectTimeout time.Duration
}

const (
	maxConnIdleTime   = 5 * time.Minute
	healthCheckPeriod = time.Minute
	pingRetryStart    = 250 * time.Millisecond
	pingRetryMax      = 5 * time.Second
)

func (pc PoolConfig) pgxConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = min(pc.MinConns, cfg.MaxConns)
	}
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.HealthCheckPeriod = healthCheckPeriod

	rp := cfg.ConnConfig.RuntimeParams
	if rp["application_name"] == "" {
		rp["application_name"] = ApplicationName
	}
	if pc.Schema != "" && pc.Schema != "public" {
		if !schemaPattern.MatchString(pc.Schema) {
			return nil, fmt.Errorf("invalid schema name: %q", pc.Schema)
		}
		rp["search_path"] = pc.Schema + ",public"
	}
	return cfg, nil
}

// NewPool opens the pool and waits for the database to answer a ping.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pc.pgxConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pingUntil(ctx, pool, pc.ConnectTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// pingUntil retries p with doubling waits until it succeeds, ctx ends or
// timeout elapses. It returns the last ping error.
func pingUntil(ctx context.Context, p Pinger, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	wait := pingRetryStart
	for {
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait = min(wait*2, pingRetryMax)
	}
}
