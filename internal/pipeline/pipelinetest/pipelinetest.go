// Package pipelinetest provides in-memory pipeline factories for tests.
package pipelinetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
)

// ManualFactory builds pipelines backed by a ManualReader so tests can
// collect recorded data on demand. Spans go to an in-memory exporter.
type ManualFactory struct {
	mu      sync.Mutex
	readers []*sdkmetric.ManualReader
	params  []pipeline.Params
	err     error

	Spans *tracetest.InMemoryExporter
}

var _ pipeline.Factory = (*ManualFactory)(nil)

// NewManualFactory creates a ManualFactory.
func NewManualFactory() *ManualFactory {
	return &ManualFactory{Spans: tracetest.NewInMemoryExporter()}
}

// Build implements pipeline.Factory.
func (f *ManualFactory) Build(_ context.Context, p pipeline.Params) (*pipeline.Components, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.params = append(f.params, p)

	if f.err != nil {
		return nil, f.err
	}

	r := sdkmetric.NewManualReader()
	f.readers = append(f.readers, r)

	return &pipeline.Components{
		Reader:        r,
		SpanProcessor: sdktrace.NewSimpleSpanProcessor(f.Spans),
	}, nil
}

// FailWith makes subsequent builds return err. Pass nil to recover.
func (f *ManualFactory) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

// Builds returns the params of every Build call.
func (f *ManualFactory) Builds() []pipeline.Params {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]pipeline.Params(nil), f.params...)
}

// Reader returns the reader of the most recent successful build.
func (f *ManualFactory) Reader() *sdkmetric.ManualReader {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.readers) == 0 {
		return nil
	}

	return f.readers[len(f.readers)-1]
}

// Collect reads everything recorded on the latest pipeline.
func (f *ManualFactory) Collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()

	r := f.Reader()
	require.NotNil(t, r, "no pipeline has been built")

	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))

	return rm
}

// Sum returns the float64 sum named name from rm.
func Sum(rm metricdata.ResourceMetrics, name string) (metricdata.Sum[float64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[float64])

			return sum, ok
		}
	}

	return metricdata.Sum[float64]{}, false
}

// RecordingExporter is a metric exporter that records when it was asked
// to export and whether it was shut down.
type RecordingExporter struct {
	mu       sync.Mutex
	exports  []time.Time
	shutdown bool
}

var _ sdkmetric.Exporter = (*RecordingExporter)(nil)

// Temporality implements sdkmetric.Exporter.
func (e *RecordingExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

// Aggregation implements sdkmetric.Exporter.
func (e *RecordingExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

// Export implements sdkmetric.Exporter.
func (e *RecordingExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.exports = append(e.exports, time.Now())

	return nil
}

// ForceFlush implements sdkmetric.Exporter.
func (e *RecordingExporter) ForceFlush(_ context.Context) error {
	return nil
}

// Shutdown implements sdkmetric.Exporter.
func (e *RecordingExporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.shutdown = true

	return nil
}

// Exports returns the number of Export calls so far.
func (e *RecordingExporter) Exports() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.exports)
}

// IsShutdown reports whether Shutdown was called.
func (e *RecordingExporter) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.shutdown
}

// PeriodicFactory builds pipelines whose periodic reader pushes into a
// fresh RecordingExporter per build, honoring the params' interval.
type PeriodicFactory struct {
	mu        sync.Mutex
	exporters []*RecordingExporter
}

var _ pipeline.Factory = (*PeriodicFactory)(nil)

// Build implements pipeline.Factory.
func (f *PeriodicFactory) Build(_ context.Context, p pipeline.Params) (*pipeline.Components, error) {
	exp := &RecordingExporter{}

	f.mu.Lock()
	f.exporters = append(f.exporters, exp)
	f.mu.Unlock()

	return &pipeline.Components{
		Reader: sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(p.Interval),
			sdkmetric.WithTimeout(p.Timeout),
		),
	}, nil
}

// Exporters returns every exporter built so far, oldest first.
func (f *PeriodicFactory) Exporters() []*RecordingExporter {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*RecordingExporter(nil), f.exporters...)
}
