package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marketpulse/marketpulse/internal/provider"
)

// Response headers set by the market data handler and read back by the
// metrics and tracing middleware.
const (
	HeaderCache      = "X-Cache"
	HeaderDataSource = "X-Data-Source"
)

// Cache header values. A hit carries its tier, e.g. "HIT-L2".
const (
	CacheMiss  = "MISS"
	CacheHit   = "HIT"
	CacheStale = "STALE"
)

// marketAttributes describes a market data request. Only bounded values are
// included: unknown data types collapse to "invalid", and the symbol is left
// to spans.
func marketAttributes(r *http.Request, header http.Header) []attribute.KeyValue {
	raw := chi.URLParam(r, "dataType")
	if raw == "" {
		return nil
	}
	dataType := "invalid"
	if dt, ok := provider.ParseDataType(raw); ok {
		dataType = string(dt)
	}

	attrs := []attribute.KeyValue{attribute.String("market.data_type", dataType)}
	if source := header.Get(HeaderDataSource); source != "" {
		attrs = append(attrs, attribute.String("market.source", source))
	}
	if cache := header.Get(HeaderCache); cache != "" {
		attrs = append(attrs, attribute.String("market.cache", cache))
	}
	return attrs
}
