package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/marketpulse/marketpulse/internal/telemetry"

// ProviderMetrics holds the instruments for provider calls, cache tiers and
// the call planner. A nil *ProviderMetrics is valid and records nothing.
type ProviderMetrics struct {
	requestDuration metric.Float64Histogram
	requestTotal    metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	backpressure    metric.Int64Counter
	streamMessages  metric.Int64Counter
}

// NewProviderMetrics creates the instruments on the global meter provider.
func NewProviderMetrics() (*ProviderMetrics, error) {
	return NewProviderMetricsWithMeter(otel.Meter(meterName))
}

// NewProviderMetricsWithMeter creates the instruments on the given meter.
func NewProviderMetricsWithMeter(meter metric.Meter) (*ProviderMetrics, error) {
	requestDuration, err := meter.Float64Histogram(
		"provider.request.duration",
		metric.WithDescription("Duration of provider requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"provider.request.total",
		metric.WithDescription("Total number of provider requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"cache.hit",
		metric.WithDescription("Number of cache hits per tier"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"cache.miss",
		metric.WithDescription("Number of cache misses per tier"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	backpressure, err := meter.Int64Counter(
		"planner.backpressure",
		metric.WithDescription("Requests evicted or rejected by a full queue"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	streamMessages, err := meter.Int64Counter(
		"stream.messages",
		metric.WithDescription("Inbound stream messages per stream type"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &ProviderMetrics{
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		backpressure:    backpressure,
		streamMessages:  streamMessages,
	}, nil
}

// RecordRequest records one provider call.
func (m *ProviderMetrics) RecordRequest(ctx context.Context, provider, dataType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider.name", provider),
		attribute.String("provider.data_type", dataType),
	}
	if err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}

	// Detach from cancellation so late recordings are not dropped.
	ctx = context.WithoutCancel(ctx)
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.requestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheHit records a hit on a cache tier.
func (m *ProviderMetrics) RecordCacheHit(ctx context.Context, tier, namespace string) {
	if m == nil {
		return
	}
	m.cacheHits.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("cache.tier", tier),
		attribute.String("cache.namespace", namespace),
	))
}

// RecordCacheMiss records a miss on a cache tier.
func (m *ProviderMetrics) RecordCacheMiss(ctx context.Context, tier, namespace string) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("cache.tier", tier),
		attribute.String("cache.namespace", namespace),
	))
}

// RecordBackpressure records an evicted or rejected planner request.
func (m *ProviderMetrics) RecordBackpressure(ctx context.Context, priority, action string) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.backpressure.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("planner.priority", priority),
		attribute.String("planner.action", action),
	))
}

// RecordStreamMessage records an inbound stream message.
func (m *ProviderMetrics) RecordStreamMessage(ctx context.Context, feed, streamType string) {
	if m == nil {
		return
	}
	m.streamMessages.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("stream.feed", feed),
		attribute.String("stream.type", streamType),
	))
}
