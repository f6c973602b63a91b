// Package telemetry provides a standardized, one-stop-shop for setting
// up OpenTelemetry metrics for pagedb's buffer pool and B+ tree index,
// exported over a Prometheus /metrics endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles metrics collection on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName identifies this process in exported metrics.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	PrometheusPort int `yaml:"prometheus_port"`
}

// Telemetry holds the active metrics components.
type Telemetry struct {
	MeterProvider *sdkmetric.MeterProvider
	Meter         metric.Meter
}

// ShutdownFunc gracefully shuts down the telemetry provider.
type ShutdownFunc func(ctx context.Context) error

// New initializes the OpenTelemetry metrics SDK with a Prometheus
// exporter. When config.Enabled is false it returns a no-op meter so
// callers never need to nil-check the result.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{Meter: noop.NewMeterProvider().Meter("")}, func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(config.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", config.PrometheusPort), mux)
	}()

	tel := &Telemetry{
		MeterProvider: meterProvider,
		Meter:         meterProvider.Meter(config.ServiceName),
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return meterProvider.Shutdown(ctx)
	}

	return tel, shutdown, nil
}

// BufferMetrics counts buffer pool events: frame hits/misses, victim
// evictions, and exhaustion of the pool under a full pin sweep.
type BufferMetrics struct {
	hits           metric.Int64Counter
	misses         metric.Int64Counter
	evictions      metric.Int64Counter
	bufferExceeded metric.Int64Counter
}

// NewBufferMetrics registers the buffer pool's counters against meter.
func NewBufferMetrics(meter metric.Meter) (*BufferMetrics, error) {
	hits, err := meter.Int64Counter("bufferpool.hits", metric.WithDescription("pages served from a resident frame"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("bufferpool.misses", metric.WithDescription("pages read in from disk"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("bufferpool.evictions", metric.WithDescription("frames reclaimed by the clock sweep"))
	if err != nil {
		return nil, err
	}
	bufferExceeded, err := meter.Int64Counter("bufferpool.buffer_exceeded", metric.WithDescription("clock sweeps that found every frame pinned"))
	if err != nil {
		return nil, err
	}
	return &BufferMetrics{hits: hits, misses: misses, evictions: evictions, bufferExceeded: bufferExceeded}, nil
}

func (m *BufferMetrics) Hit(ctx context.Context) {
	if m != nil {
		m.hits.Add(ctx, 1)
	}
}

func (m *BufferMetrics) Miss(ctx context.Context) {
	if m != nil {
		m.misses.Add(ctx, 1)
	}
}

func (m *BufferMetrics) Eviction(ctx context.Context) {
	if m != nil {
		m.evictions.Add(ctx, 1)
	}
}

func (m *BufferMetrics) BufferExceeded(ctx context.Context) {
	if m != nil {
		m.bufferExceeded.Add(ctx, 1)
	}
}

// TreeMetrics counts B+ tree events: insertions, node splits, and the
// number of entries yielded by range scans.
type TreeMetrics struct {
	inserts      metric.Int64Counter
	splits       metric.Int64Counter
	scannedItems metric.Int64Counter
}

// NewTreeMetrics registers the tree's counters against meter.
func NewTreeMetrics(meter metric.Meter) (*TreeMetrics, error) {
	inserts, err := meter.Int64Counter("btree.inserts", metric.WithDescription("entries inserted into the index"))
	if err != nil {
		return nil, err
	}
	splits, err := meter.Int64Counter("btree.splits", metric.WithDescription("leaf and non-leaf node splits"))
	if err != nil {
		return nil, err
	}
	scannedItems, err := meter.Int64Counter("btree.scanned_items", metric.WithDescription("entries returned by scanNext"))
	if err != nil {
		return nil, err
	}
	return &TreeMetrics{inserts: inserts, splits: splits, scannedItems: scannedItems}, nil
}

func (m *TreeMetrics) Insert(ctx context.Context) {
	if m != nil {
		m.inserts.Add(ctx, 1)
	}
}

func (m *TreeMetrics) Split(ctx context.Context) {
	if m != nil {
		m.splits.Add(ctx, 1)
	}
}

func (m *TreeMetrics) ScannedItem(ctx context.Context) {
	if m != nil {
		m.scannedItems.Add(ctx, 1)
	}
}
