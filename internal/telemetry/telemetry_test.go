package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type recordingExporter struct {
	mu       sync.Mutex
	exported []metricdata.ResourceMetrics
	shutdown bool
	err      error
}

func (e *recordingExporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.exported = append(e.exported, *rm)
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
	return nil
}

func (e *recordingExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.exported)
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Metrics{}
}

func sumByAttribute(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		value, _ := dp.Attributes.Value(attribute.Key(key))
		out[value.AsString()] += dp.Value
	}
	return out
}

func TestObserveReconcile(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	tel.ObserveReconcile(ctx, "create", "ok", 2*time.Second)
	tel.ObserveReconcile(ctx, "power", "retryable", time.Second)
	tel.ObserveReconcile(ctx, "power", "retryable", time.Second)

	rm, err := tel.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"ok": 1, "retryable": 2}, sumByAttribute(t, findMetric(t, rm, "kvcd.reconcile.count"), "outcome"))

	hist, ok := findMetric(t, rm, "kvcd.reconcile.duration").Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var total float64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	assert.InDelta(t, 4.0, total, 1e-9)
}

func TestObserveTaskAndRehydrate(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	tel.ObserveTask(ctx, "power on", "success", 3*time.Second)
	tel.ObserveRehydrate(ctx, nil)
	tel.ObserveRehydrate(ctx, errors.New("login refused"))

	rm, err := tel.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"success": 1, "failure": 1}, sumByAttribute(t, findMetric(t, rm, "kvcd.session.rehydrations"), "result"))

	hist, ok := findMetric(t, rm, "kvcd.task.duration").Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	operation, _ := hist.DataPoints[0].Attributes.Value("operation")
	assert.Equal(t, "power on", operation.AsString())
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestFlush(t *testing.T) {
	t.Run("without exporter", func(t *testing.T) {
		tel, err := New()
		require.NoError(t, err)
		assert.NoError(t, tel.Flush(context.Background()))
	})

	t.Run("exports collected metrics", func(t *testing.T) {
		exporter := &recordingExporter{}
		tel, err := New(WithExporter(exporter))
		require.NoError(t, err)
		tel.ObserveReconcile(context.Background(), "refresh", "ok", time.Second)

		require.NoError(t, tel.Flush(context.Background()))
		assert.Equal(t, 1, exporter.count())
	})

	t.Run("export failure", func(t *testing.T) {
		exporter := &recordingExporter{err: errors.New("collector down")}
		tel, err := New(WithExporter(exporter))
		require.NoError(t, err)

		err = tel.Flush(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "collector down")
	})
}

func TestStartExportsUntilCancelled(t *testing.T) {
	exporter := &recordingExporter{}
	tel, err := New(WithExporter(exporter), WithExportInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tel.Start(ctx) }()

	assert.Eventually(t, func() bool { return exporter.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, exporter.shutdown)
}

func TestNewOTLPExporter(t *testing.T) {
	_, err := NewOTLPExporter(context.Background(), "grpc://collector:4317")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol scheme")

	exporter, err := NewOTLPExporter(context.Background(), "http://collector:4318/v1/metrics")
	require.NoError(t, err)
	assert.NoError(t, exporter.Shutdown(context.Background()))
}
