package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Drivers for the durable tier.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported durable tier drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLTier is the durable L3 tier backed by SQLite or PostgreSQL.
type SQLTier struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// SQLConfig holds configuration for a SQLTier.
type SQLConfig struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string

	// DSN is the driver data source name, e.g. "file:cache.db" or a postgres URL.
	DSN string

	// Now is the time source. Default: time.Now
	Now func() time.Time
}

// OpenSQLTier opens the database and creates the cache table if needed.
func OpenSQLTier(ctx context.Context, cfg SQLConfig) (*SQLTier, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// A single connection keeps ":memory:" databases shared across calls.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	t := &SQLTier{db: db, driver: cfg.Driver, now: cfg.Now}
	if t.now == nil {
		t.now = time.Now
	}
	if err := t.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache schema migration failed: %w", err)
	}
	return t, nil
}

func (t *SQLTier) migrate(ctx context.Context) error {
	blob := "BLOB"
	if t.driver == DriverPostgres {
		blob = "BYTEA"
	}
	if t.driver == DriverSQLite {
		if _, err := t.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		value %s NOT NULL,
		expires_at BIGINT NOT NULL
	)`, blob)
	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at)`)
	return err
}

// Get returns a live entry. Expired rows are deleted and reported as a miss.
func (t *SQLTier) Get(ctx context.Context, key string) (Item, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE cache_key = $1`, key,
	).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("select cache entry: %w", err)
	}

	expiry := time.Unix(0, expiresAt)
	if !t.now().Before(expiry) {
		if err := t.Delete(ctx, key); err != nil {
			return Item{}, false, err
		}
		return Item{}, false, nil
	}
	return Item{Value: value, ExpiresAt: expiry}, true, nil
}

// Set upserts an entry.
func (t *SQLTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := t.now().Add(ttl).UnixNano()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (t *SQLTier) Delete(ctx context.Context, key string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Flush removes every entry.
func (t *SQLTier) Flush(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("flush cache entries: %w", err)
	}
	return nil
}

// Sweep deletes expired rows.
func (t *SQLTier) Sweep(ctx context.Context) (int, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, t.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Close closes the database.
func (t *SQLTier) Close() error {
	return t.db.Close()
}
