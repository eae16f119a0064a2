package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/marketpulse/marketpulse/internal/api/middleware"
)

func newTestMetrics(t *testing.T) (*middleware.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := middleware.NewMetricsWithMeter(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// counterPoints returns the data points of an int64 counter keyed by the
// value of attribute key.
func counterPoints(t *testing.T, reader *sdkmetric.ManualReader, name string, key attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(key)
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func marketRouter(m *middleware.Metrics, cache string) http.Handler {
	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/v1/market-data/{dataType}/{symbol}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(middleware.HeaderDataSource, "coingecko")
		w.Header().Set(middleware.HeaderCache, cache)
		_, _ = w.Write([]byte(`{}`))
	})
	r.Get("/v1/providers", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return r
}

func TestNewMetrics(t *testing.T) {
	metrics, err := middleware.NewMetrics()
	require.NoError(t, err)
	assert.NotNil(t, metrics)
}

func TestMetrics_RouteNotPath(t *testing.T) {
	m, reader := newTestMetrics(t)
	handler := marketRouter(m, middleware.CacheMiss)

	for _, symbol := range []string{"BTC", "ETH", "SOL"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/market-data/crypto_price/"+symbol, http.NoBody))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	routes := counterPoints(t, reader, "http.server.request.total", "http.route")
	assert.Equal(t, map[string]int64{"/v1/market-data/{dataType}/{symbol}": 3}, routes)
}

func TestMetrics_MarketDataBreakdown(t *testing.T) {
	m, reader := newTestMetrics(t)

	miss := marketRouter(m, middleware.CacheMiss)
	hit := marketRouter(m, "HIT-L1")
	for _, h := range []http.Handler{miss, hit, hit} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/market-data/crypto_price/BTC", http.NoBody))
	}
	miss.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/market-data/Futures/BTC", http.NoBody))

	byCache := counterPoints(t, reader, "market_data.requests", "market.cache")
	assert.Equal(t, int64(2), byCache["MISS"])
	assert.Equal(t, int64(2), byCache["HIT-L1"])

	byType := counterPoints(t, reader, "market_data.requests", "market.data_type")
	assert.Equal(t, int64(3), byType["crypto_price"])
	assert.Equal(t, int64(1), byType["invalid"], "unknown data types must not create new series")
}

func TestMetrics_NonMarketRoutes(t *testing.T) {
	m, reader := newTestMetrics(t)
	handler := marketRouter(m, middleware.CacheMiss)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, counterPoints(t, reader, "market_data.requests", "market.data_type"))
	assert.Equal(t, int64(1), counterPoints(t, reader, "http.server.request.total", "http.status_code")["500"])
}

func TestMetrics_DefaultStatusCode(t *testing.T) {
	m, reader := newTestMetrics(t)

	handler := m.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("response"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody))

	assert.Equal(t, int64(1), counterPoints(t, reader, "http.server.request.total", "http.status_code")["200"])
}

func TestMetrics_WebSocketCountedNotTimed(t *testing.T) {
	m, reader := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/v1/stream/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/v1/stream/ws", nil)
	require.NoError(t, err)
	_ = conn.Close()

	assert.Eventually(t, func() bool {
		return counterPoints(t, reader, "http.server.websocket.upgrades", "http.route")["/v1/stream/ws"] == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, counterPoints(t, reader, "http.server.request.total", "http.route"))
}
