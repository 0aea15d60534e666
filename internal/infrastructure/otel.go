package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/darshitp091/Defence-Engine/internal/config"
)

// MeterName scopes every instrument the engine registers.
const MeterName = "github.com/darshitp091/Defence-Engine"

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// InitializeOTel sets up the Prometheus-backed meter provider and, when
// requested, a stdout tracer.
func InitializeOTel(cfg config.TelemetryConfig, logger *slog.Logger) (*OTelProviders, error) {
	ctx := context.Background()
	logger = logger.With(slog.String("component", "otel"))

	providers := &OTelProviders{Logger: logger}
	if !cfg.Enabled {
		providers.Meter = noop.NewMeterProvider().Meter(MeterName)
		providers.Tracer = tracenoop.NewTracerProvider().Tracer(MeterName)
		return providers, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(config.AppVersion),
		attribute.String("service.instance.id", generateInstanceID()),
	)

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		providers.TracerProvider = tp
		providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(config.AppVersion))
		otel.SetTracerProvider(tp)
	} else {
		providers.Tracer = tracenoop.NewTracerProvider().Tracer(MeterName)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	providers.MeterProvider = mp
	providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(config.AppVersion))
	providers.PrometheusHTTP = promhttp.Handler()
	otel.SetMeterProvider(mp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "OpenTelemetry initialized",
		slog.String("service", cfg.ServiceName),
		slog.Bool("trace_stdout", cfg.TraceStdout))

	return providers, nil
}

// Shutdown gracefully shuts down OpenTelemetry providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}
	return nil
}

// Metrics holds the engine's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HashesGenerated   metric.Int64Counter
	HashDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	Rotations         metric.Int64Counter
	TrapsDropped      metric.Int64Counter
	BusyRejections    metric.Int64Counter
	LicenseOperations metric.Int64Counter
	StoreRetries      metric.Int64Counter
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
}

// NewMetrics registers the engine instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HashesGenerated, "defence_hashes_generated_total", "Obfuscated hashes emitted, by variant"},
		{&m.CacheHits, "defence_cache_hits_total", "Precomputation cache hits"},
		{&m.CacheMisses, "defence_cache_misses_total", "Precomputation cache misses"},
		{&m.Rotations, "defence_rotations_total", "Key/salt rotations, by trigger"},
		{&m.TrapsDropped, "defence_traps_dropped_total", "Trap bursts dropped under load"},
		{&m.BusyRejections, "defence_busy_rejections_total", "Standard requests rejected as busy"},
		{&m.LicenseOperations, "defence_license_operations_total", "License ledger operations, by operation and result"},
		{&m.StoreRetries, "defence_store_retries_total", "License store retries after transient failures"},
		{&m.HTTPRequests, "http_requests_total", "Total number of HTTP requests"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", c.name, err)
		}
	}

	if m.HashDuration, err = meter.Float64Histogram(
		"defence_hash_duration_seconds",
		metric.WithDescription("Time to compute one obfuscated hash"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create hash duration histogram: %w", err)
	}
	if m.HTTPDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return &m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// RecordHash records one emitted hash.
func (m *Metrics) RecordHash(ctx context.Context, variant string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("variant", variant))
	m.HashesGenerated.Add(ctx, 1, attrs)
	m.HashDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCache records a cache lookup outcome.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// RecordRotation records an epoch change.
func (m *Metrics) RecordRotation(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.Rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordTrapDrop records a dropped trap burst.
func (m *Metrics) RecordTrapDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.TrapsDropped.Add(ctx, 1)
}

// RecordBusy records a Standard request rejected after the submit timeout.
func (m *Metrics) RecordBusy(ctx context.Context) {
	if m == nil {
		return
	}
	m.BusyRejections.Add(ctx, 1)
}

// RecordLicense records a ledger operation and its outcome.
func (m *Metrics) RecordLicense(ctx context.Context, operation, result string) {
	if m == nil {
		return
	}
	m.LicenseOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// RecordStoreRetry records one retried store call.
func (m *Metrics) RecordStoreRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.StoreRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.HTTPRequests.Add(ctx, 1, attrs)
	m.HTTPDuration.Record(ctx, d.Seconds(), attrs)
}

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}
