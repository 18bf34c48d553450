package emitter_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ethpandaops/pgtelemetry/internal/emitter"
	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline/pipelinetest"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func liveEmitter(t *testing.T) (*emitter.Emitter, *pipelinetest.ManualFactory, *pipeline.Manager) {
	t.Helper()

	factory := pipelinetest.NewManualFactory()
	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})
	m := pipeline.NewManager(testLog(), factory, health)

	require.NoError(t, m.Init(context.Background(), pipeline.Params{
		Endpoint: "collector:4317",
		Interval: 2 * time.Second,
		Timeout:  500 * time.Millisecond,
	}))

	return emitter.New(testLog(), m, health, true), factory, m
}

func TestEmitter_CounterWithLabels(t *testing.T) {
	e, factory, _ := liveEmitter(t)

	err := e.Counter(context.Background(), "idx_scan", 42, map[string]string{
		"dbname":     "postgres",
		"schemaname": "public",
		"relname":    "users",
	})
	require.NoError(t, err)

	rm := factory.Collect(t)

	sum, ok := pipelinetest.Sum(rm, "idx_scan")
	require.True(t, ok)
	assert.True(t, sum.IsMonotonic)
	require.Len(t, sum.DataPoints, 1)

	dp := sum.DataPoints[0]
	assert.Equal(t, 42.0, dp.Value)
	assert.Equal(t, 3, dp.Attributes.Len())

	v, ok := dp.Attributes.Value(attribute.Key("relname"))
	require.True(t, ok)
	assert.Equal(t, "users", v.AsString())

	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, pipeline.ScopeName, rm.ScopeMetrics[0].Scope.Name)
	assert.Equal(t, pipeline.ScopeVersion, rm.ScopeMetrics[0].Scope.Version)
	assert.Equal(t, pipeline.SchemaURL, rm.ScopeMetrics[0].Scope.SchemaURL)
}

func TestEmitter_CounterWithoutLabels(t *testing.T) {
	e, factory, _ := liveEmitter(t)

	require.NoError(t, e.Counter(context.Background(), "requests", 5, nil))

	sum, ok := pipelinetest.Sum(factory.Collect(t), "requests")
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, 5.0, sum.DataPoints[0].Value)
	assert.Zero(t, sum.DataPoints[0].Attributes.Len())
}

func TestEmitter_CounterAccumulates(t *testing.T) {
	e, factory, _ := liveEmitter(t)

	labels := map[string]string{"relname": "users"}

	require.NoError(t, e.Counter(context.Background(), "seq_scan", 3, labels))
	require.NoError(t, e.Counter(context.Background(), "seq_scan", 5, labels))
	require.NoError(t, e.Counter(context.Background(), "seq_scan", 1, map[string]string{"relname": "orders"}))

	sum, ok := pipelinetest.Sum(factory.Collect(t), "seq_scan")
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	byRel := map[string]float64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("relname"))
		byRel[v.AsString()] = dp.Value
	}

	assert.Equal(t, map[string]float64{"users": 8, "orders": 1}, byRel)
}

func TestEmitter_ZeroValueAccepted(t *testing.T) {
	e, _, _ := liveEmitter(t)

	assert.NoError(t, e.Counter(context.Background(), "idx_scan", 0, nil))
}

func TestEmitter_Validation(t *testing.T) {
	tests := []struct {
		name    string
		counter string
		value   float64
		wantErr error
	}{
		{name: "empty name", counter: "", value: 1, wantErr: emitter.ErrInvalidName},
		{name: "negative value", counter: "idx_scan", value: -1, wantErr: emitter.ErrNegativeValue},
		{name: "nan value", counter: "idx_scan", value: math.NaN(), wantErr: emitter.ErrNegativeValue},
		{name: "infinite value", counter: "idx_scan", value: math.Inf(1), wantErr: emitter.ErrNegativeValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, factory, _ := liveEmitter(t)

			err := e.Counter(context.Background(), tt.counter, tt.value, nil)
			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, emitter.ErrValidation)

			assert.Empty(t, factory.Collect(t).ScopeMetrics)
		})
	}
}

func TestEmitter_NotReady(t *testing.T) {
	m := pipeline.NewManager(testLog(), pipelinetest.NewManualFactory(), nil)
	e := emitter.New(testLog(), m, nil, true)

	err := e.Counter(context.Background(), "idx_scan", 1, nil)
	assert.ErrorIs(t, err, pipeline.ErrPipelineNotReady)
}

func TestEmitter_NotReadyAfterCleanup(t *testing.T) {
	e, _, m := liveEmitter(t)

	require.NoError(t, m.Cleanup(context.Background()))

	err := e.Counter(context.Background(), "idx_scan", 1, nil)
	assert.ErrorIs(t, err, pipeline.ErrPipelineNotReady)
}

func TestEmitter_Disabled(t *testing.T) {
	e, factory, _ := liveEmitter(t)
	e.SetEnabled(false)

	assert.False(t, e.Enabled())
	require.NoError(t, e.Counter(context.Background(), "idx_scan", 1, nil))
	require.NoError(t, e.Span(context.Background(), "noop", nil))

	assert.Empty(t, factory.Collect(t).ScopeMetrics)
	assert.Empty(t, factory.Spans.GetSpans())

	// Validation still applies while disabled.
	assert.ErrorIs(t, e.Counter(context.Background(), "", 1, nil), emitter.ErrInvalidName)
}

func TestEmitter_Span(t *testing.T) {
	e, factory, _ := liveEmitter(t)

	require.NoError(t, e.Span(context.Background(), "vacuum", map[string]string{"relname": "users"}))

	spans := factory.Spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "vacuum", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("relname", "users"))

	assert.ErrorIs(t, e.Span(context.Background(), "", nil), emitter.ErrInvalidName)
}

func TestSourceFromContext(t *testing.T) {
	assert.Equal(t, emitter.SourceInternal, emitter.SourceFromContext(context.Background()))

	ctx := emitter.WithSource(context.Background(), emitter.SourceAPI)
	assert.Equal(t, emitter.SourceAPI, emitter.SourceFromContext(ctx))
}
