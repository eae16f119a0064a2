// Package storage persists normalized prices and provider health snapshots.
package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketpulse/marketpulse/internal/provider"
)

// PriceRecord is one persisted quote.
type PriceRecord struct {
	Symbol       string
	DataType     provider.DataType
	Provider     string
	Price        decimal.Decimal
	Change24h    decimal.Decimal
	ChangePct24h decimal.Decimal
	Volume24h    decimal.Decimal
	Currency     string
	QuotedAt     time.Time
	RecordedAt   time.Time
}

// HealthRecord is one persisted provider health score.
type HealthRecord struct {
	Provider      string
	Overall       float64
	Latency       float64
	Reliability   float64
	Freshness     float64
	ErrorRate     float64
	Status        string
	Blacklisted   bool
	TotalRequests int64
	AvgLatencyMs  float64
	CheckedAt     time.Time
}

// Store persists records produced by the orchestrator and worker.
type Store interface {
	SavePrices(ctx context.Context, records []PriceRecord) error
	SaveProviderHealth(ctx context.Context, records []HealthRecord) error
}

// PriceRecordFromPayload converts a price payload to a record. It returns
// false for data types that do not carry a single quote.
func PriceRecordFromPayload(p *provider.Payload) (PriceRecord, bool) {
	if p == nil || !p.DataType.IsPrice() {
		return PriceRecord{}, false
	}
	var q provider.Quote
	if err := json.Unmarshal(p.Data, &q); err != nil {
		return PriceRecord{}, false
	}
	quotedAt := q.Timestamp
	if quotedAt.IsZero() {
		quotedAt = p.FetchedAt
	}
	return PriceRecord{
		Symbol:       p.Symbol,
		DataType:     p.DataType,
		Provider:     p.Provider,
		Price:        q.Price,
		Change24h:    q.Change24h,
		ChangePct24h: q.ChangePct24h,
		Volume24h:    q.Volume24h,
		Currency:     q.Currency,
		QuotedAt:     quotedAt,
		RecordedAt:   p.FetchedAt,
	}, true
}

// MemoryStore is an in-memory Store keeping the most recent records.
type MemoryStore struct {
	mu        sync.RWMutex
	prices    []PriceRecord
	health    []HealthRecord
	retention int
}

// NewMemoryStore creates a MemoryStore keeping at most retention records of
// each kind. A non-positive retention defaults to 10000.
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = 10000
	}
	return &MemoryStore{retention: retention}
}

// SavePrices appends price records.
func (s *MemoryStore) SavePrices(_ context.Context, records []PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = trim(append(s.prices, records...), s.retention)
	return nil
}

// SaveProviderHealth appends health records.
func (s *MemoryStore) SaveProviderHealth(_ context.Context, records []HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = trim(append(s.health, records...), s.retention)
	return nil
}

// Prices returns stored prices for a symbol, oldest first. An empty symbol
// returns every record.
func (s *MemoryStore) Prices(symbol string) []PriceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbol = provider.NormalizeSymbol(symbol)
	out := make([]PriceRecord, 0)
	for _, r := range s.prices {
		if symbol == "" || r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out
}

// Health returns stored health records for a provider, oldest first. An
// empty name returns every record.
func (s *MemoryStore) Health(providerName string) []HealthRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HealthRecord, 0)
	for _, r := range s.health {
		if providerName == "" || r.Provider == providerName {
			out = append(out, r)
		}
	}
	return out
}

func trim[T any](records []T, max int) []T {
	if len(records) <= max {
		return records
	}
	kept := make([]T, max)
	copy(kept, records[len(records)-max:])
	return kept
}
