package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	meterName = "github.com/kvcd-project/kvcd-operator"

	protocolOTLPHTTPInsecure = "http"
	protocolOTLPHTTPSecure   = "https"

	defaultExportInterval = 30 * time.Second
)

// MetricsExporter is the common interface for metric exporters
type MetricsExporter interface {
	Export(ctx context.Context, rm *metricdata.ResourceMetrics) error
	Shutdown(ctx context.Context) error
}

// Telemetry records the operator metrics. Measurements are collected by a manual reader
// and pushed to the exporter on every Flush.
type Telemetry struct {
	provider     *sdkmetric.MeterProvider
	manualReader *sdkmetric.ManualReader
	exporter     MetricsExporter
	interval     time.Duration
	log          logr.Logger

	reconciles   metric.Int64Counter
	reconcileDur metric.Float64Histogram
	taskDur      metric.Float64Histogram
	rehydrations metric.Int64Counter
}

// Option configures Telemetry
type Option func(*Telemetry)

// WithExporter sets the exporter receiving the collected metrics
func WithExporter(exporter MetricsExporter) Option {
	return func(t *Telemetry) {
		t.exporter = exporter
	}
}

// WithExportInterval sets how often Start flushes the metrics
func WithExportInterval(d time.Duration) Option {
	return func(t *Telemetry) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithLogger sets the logger used by the export loop
func WithLogger(log logr.Logger) Option {
	return func(t *Telemetry) {
		t.log = log
	}
}

// New creates the instruments on a private meter provider
func New(opts ...Option) (*Telemetry, error) {
	manualReader := sdkmetric.NewManualReader()
	t := &Telemetry{
		provider:     sdkmetric.NewMeterProvider(sdkmetric.WithReader(manualReader)),
		manualReader: manualReader,
		interval:     defaultExportInterval,
		log:          logr.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}

	meter := t.provider.Meter(meterName)
	var err error
	if t.reconciles, err = meter.Int64Counter("kvcd.reconcile.count",
		metric.WithDescription("Reconciler invocations by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create reconcile counter: %w", err)
	}
	if t.reconcileDur, err = meter.Float64Histogram("kvcd.reconcile.duration",
		metric.WithUnit("s"), metric.WithDescription("Reconciler run time")); err != nil {
		return nil, fmt.Errorf("failed to create reconcile histogram: %w", err)
	}
	if t.taskDur, err = meter.Float64Histogram("kvcd.task.duration",
		metric.WithUnit("s"), metric.WithDescription("Time spent waiting on platform tasks")); err != nil {
		return nil, fmt.Errorf("failed to create task histogram: %w", err)
	}
	if t.rehydrations, err = meter.Int64Counter("kvcd.session.rehydrations",
		metric.WithDescription("Platform logins by result")); err != nil {
		return nil, fmt.Errorf("failed to create rehydration counter: %w", err)
	}
	return t, nil
}

// NewOTLPExporter creates an OTLP/HTTP exporter for endpoint, e.g. https://collector:4318/v1/metrics
func NewOTLPExporter(ctx context.Context, endpoint string) (MetricsExporter, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsedURL.Scheme != protocolOTLPHTTPInsecure && parsedURL.Scheme != protocolOTLPHTTPSecure {
		return nil, fmt.Errorf("unsupported protocol scheme, got %s, want http|https", parsedURL.Scheme)
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(parsedURL.Host),
	}
	if parsedURL.Path != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(parsedURL.Path))
	}
	if parsedURL.Scheme == protocolOTLPHTTPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// ObserveReconcile records one reconciler run
func (t *Telemetry) ObserveReconcile(ctx context.Context, reconciler, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("reconciler", reconciler),
		attribute.String("outcome", outcome),
	)
	t.reconciles.Add(ctx, 1, attrs)
	t.reconcileDur.Record(ctx, duration.Seconds(), attrs)
}

// ObserveTask records the wait on one platform task
func (t *Telemetry) ObserveTask(ctx context.Context, operation, status string, duration time.Duration) {
	t.taskDur.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

// ObserveRehydrate records a platform login attempt, it matches the session rehydrate hook
func (t *Telemetry) ObserveRehydrate(ctx context.Context, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	t.rehydrations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Collect reads the current measurements
func (t *Telemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	rm := metricdata.ResourceMetrics{}
	if err := t.manualReader.Collect(ctx, &rm); err != nil {
		return rm, fmt.Errorf("failed to collect metrics: %w", err)
	}
	return rm, nil
}

// Flush sends the collected metrics to the exporter, it is a no-op without exporter
func (t *Telemetry) Flush(ctx context.Context) error {
	if t.exporter == nil {
		return nil
	}
	rm, err := t.Collect(ctx)
	if err != nil {
		return err
	}
	if err := t.exporter.Export(ctx, &rm); err != nil {
		return fmt.Errorf("failed to export metrics: %w", err)
	}
	return nil
}

// Start flushes the metrics on a fixed interval until ctx is done, then shuts down.
// It implements manager.Runnable.
func (t *Telemetry) Start(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return t.Close(shutdownCtx)
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.log.Error(err, "metrics export failed")
			}
		}
	}
}

// Close flushes pending metrics and shuts down the exporter and the provider
func (t *Telemetry) Close(ctx context.Context) error {
	var errs []error
	if err := t.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.exporter != nil {
		if err := t.exporter.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
