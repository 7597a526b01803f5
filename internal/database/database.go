package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Pool sizing defaults. The relay touches the store only on finalized
// transmissions, history requests, and name checks — never per audio
// chunk — so a small pool serves thousands of live connections.
const (
	defaultMaxConns = 16
	defaultMinConns = 2
	connMaxLifetime = 30 * time.Minute
	healthTimeout   = 2 * time.Second
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Options configures the connection pool. Zero values fall back to the
// relay defaults above.
type Options struct {
	URL      string
	MaxConns int32
	MinConns int32
}

func Connect(ctx context.Context, opts Options, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = opts.MaxConns
	if cfg.MaxConns == 0 {
		cfg.MaxConns = defaultMaxConns
	}
	cfg.MinConns = opts.MinConns
	if cfg.MinConns == 0 {
		cfg.MinConns = defaultMinConns
	}
	cfg.MaxConnLifetime = connMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Info().
		Str("url", redactDSN(opts.URL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("store connected")

	return &DB{Pool: pool, log: log}, nil
}

// Bootstrap applies the embedded schema on a fresh database, then runs
// any pending migrations. The message_history table doubles as the
// marker for whether schema.sql has ever been loaded; its absence means
// a fresh install, not a partial one.
func (db *DB) Bootstrap(ctx context.Context, schemaSQL []byte) error {
	var initialized bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'message_history')`,
	).Scan(&initialized)
	if err != nil {
		return err
	}

	if !initialized {
		db.log.Info().Msg("fresh database — applying schema")
		if _, err := db.Pool.Exec(ctx, string(schemaSQL)); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	} else {
		db.log.Debug().Msg("schema already present")
	}

	return db.Migrate(ctx)
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// redactDSN strips credentials from a connection URL for logging: the
// username survives, the password is removed outright.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable dsn)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func (db *DB) Close() {
	db.log.Info().Msg("closing store pool")
	db.Pool.Close()
}
