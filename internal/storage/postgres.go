package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS market_prices (
		id BIGSERIAL PRIMARY KEY,
		symbol TEXT NOT NULL,
		data_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		price NUMERIC NOT NULL,
		change_24h NUMERIC NOT NULL,
		change_pct_24h NUMERIC NOT NULL,
		volume_24h NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		quoted_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_market_prices_symbol_quoted_at ON market_prices (symbol, quoted_at DESC);

	CREATE TABLE IF NOT EXISTS provider_health (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		overall_score DOUBLE PRECISION NOT NULL,
		latency_score DOUBLE PRECISION NOT NULL,
		reliability_score DOUBLE PRECISION NOT NULL,
		freshness_score DOUBLE PRECISION NOT NULL,
		error_rate_score DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		blacklisted BOOLEAN NOT NULL,
		total_requests BIGINT NOT NULL,
		avg_latency_ms DOUBLE PRECISION NOT NULL,
		checked_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provider_health_provider_checked_at ON provider_health (provider, checked_at DESC);
`

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate storage schema: %w", err)
	}
	return nil
}

// SavePrices inserts price records in one batch.
func (s *PostgresStore) SavePrices(ctx context.Context, records []PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO market_prices (
			symbol, data_type, provider, price, change_24h, change_pct_24h,
			volume_24h, currency, quoted_at, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.Symbol,
			string(r.DataType),
			r.Provider,
			r.Price,
			r.Change24h,
			r.ChangePct24h,
			r.Volume24h,
			r.Currency,
			r.QuotedAt,
			r.RecordedAt,
		)
	}
	return s.sendBatch(ctx, batch, "market_prices")
}

// SaveProviderHealth inserts health records in one batch.
func (s *PostgresStore) SaveProviderHealth(ctx context.Context, records []HealthRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO provider_health (
			provider, overall_score, latency_score, reliability_score, freshness_score,
			error_rate_score, status, blacklisted, total_requests, avg_latency_ms, checked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.Provider,
			r.Overall,
			r.Latency,
			r.Reliability,
			r.Freshness,
			r.ErrorRate,
			r.Status,
			r.Blacklisted,
			r.TotalRequests,
			r.AvgLatencyMs,
			r.CheckedAt,
		)
	}
	return s.sendBatch(ctx, batch, "provider_health")
}

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, table string) error {
	results := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return results.Close()
}
