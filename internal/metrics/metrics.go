package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	Operations        metric.Int64Counter
	RewardsClaimed    metric.Int64Counter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"farm_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"farm_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"farm_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"farm_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"farm_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Operations, err = meter.Int64Counter(
		"farm_operations_total",
		metric.WithDescription("Engine operations by kind and result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RewardsClaimed, err = meter.Int64Counter(
		"farm_rewards_claimed_total",
		metric.WithDescription("Reward base units paid out by claims"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// RecordOperation counts one engine operation. result is "ok" or the error kind.
func (m *Metrics) RecordOperation(ctx context.Context, op string, err error) {
	result := "ok"
	if err != nil {
		result = ErrorResult(err)
	}
	m.Operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordRewardClaimed(ctx context.Context, asset string, amount uint64) {
	// the counter is int64; clamp the rare amount that does not fit
	if amount > math.MaxInt64 {
		amount = math.MaxInt64
	}
	m.RewardsClaimed.Add(ctx, int64(amount), metric.WithAttributes(attribute.String("asset", asset)))
}

// ErrorResult labels err by its kind, e.g. "pool_paused".
func ErrorResult(err error) string {
	if kind := farming.Kind(err); kind != nil {
		return strings.ReplaceAll(kind.Error(), " ", "_")
	}
	return "internal"
}
