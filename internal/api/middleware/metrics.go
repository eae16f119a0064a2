package middleware

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/marketpulse/marketpulse/internal/api/middleware"

// Metrics holds the HTTP instruments plus a market data request counter
// broken down by data type, serving provider and cache outcome.
type Metrics struct {
	requestDuration  metric.Float64Histogram
	requestTotal     metric.Int64Counter
	requestsInFlight metric.Int64UpDownCounter
	responseSize     metric.Int64Histogram
	marketRequests   metric.Int64Counter
	websocketUpgrade metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of HTTP server requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"http.server.request.total",
		metric.WithDescription("Total number of HTTP server requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestsInFlight, err := meter.Int64UpDownCounter(
		"http.server.requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	responseSize, err := meter.Int64Histogram(
		"http.server.response.size",
		metric.WithDescription("Size of HTTP server responses in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	marketRequests, err := meter.Int64Counter(
		"market_data.requests",
		metric.WithDescription("Market data requests by data type, source and cache outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	websocketUpgrade, err := meter.Int64Counter(
		"http.server.websocket.upgrades",
		metric.WithDescription("Connections upgraded to a stream websocket"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		requestsInFlight: requestsInFlight,
		responseSize:     responseSize,
		marketRequests:   marketRequests,
		websocketUpgrade: websocketUpgrade,
	}, nil
}

// Middleware returns an HTTP middleware that records metrics for each request.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			inFlight := metric.WithAttributes(attribute.String("http.method", r.Method))
			m.requestsInFlight.Add(r.Context(), 1, inFlight)
			defer m.requestsInFlight.Add(r.Context(), -1, inFlight)

			wrapped := newStatusRecorder(w)
			next.ServeHTTP(wrapped, r)

			// chi fills in the route pattern while routing.
			route := attribute.String("http.route", routePattern(r))

			// Websocket sessions are counted, not timed.
			if wrapped.hijacked {
				m.websocketUpgrade.Add(r.Context(), 1, metric.WithAttributes(route))
				return
			}

			attrs := []attribute.KeyValue{attribute.String("http.method", r.Method), route}
			duration := time.Since(start).Seconds()

			attrs = append(attrs, attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)))

			if wrapped.statusCode >= 400 {
				attrs = append(attrs, attribute.Bool("error", true))
			}

			m.requestDuration.Record(r.Context(), duration, metric.WithAttributes(attrs...))
			m.requestTotal.Add(r.Context(), 1, metric.WithAttributes(attrs...))
			m.responseSize.Record(r.Context(), wrapped.written, metric.WithAttributes(attrs...))

			if market := marketAttributes(r, wrapped.Header()); market != nil {
				market = append(market, attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)))
				m.marketRequests.Add(r.Context(), 1, metric.WithAttributes(market...))
			}
		})
	}
}
