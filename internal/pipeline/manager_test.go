package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline/pipelinetest"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func testParams() pipeline.Params {
	return pipeline.Params{
		Endpoint: "collector:4317",
		Interval: 2 * time.Second,
		Timeout:  500 * time.Millisecond,
	}
}

func addCounter(name string, value float64, attrs ...attribute.KeyValue) func(h *pipeline.Handle) error {
	return func(h *pipeline.Handle) error {
		c, err := h.Float64Counter(name)
		if err != nil {
			return err
		}

		c.Add(context.Background(), value, metric.WithAttributes(attrs...))

		return nil
	}
}

func TestManager_InitGoesLive(t *testing.T) {
	factory := pipelinetest.NewManualFactory()
	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})
	m := pipeline.NewManager(testLog(), factory, health)

	assert.Equal(t, pipeline.StatusUninitialized, m.Status())

	require.NoError(t, m.Init(context.Background(), testParams()))
	assert.Equal(t, pipeline.StatusLive, m.Status())

	p, ok := m.Params()
	require.True(t, ok)
	assert.Equal(t, testParams(), p)

	require.NoError(t, m.Record(addCounter("idx_scan", 3)))

	sum, ok := pipelinetest.Sum(factory.Collect(t), "idx_scan")
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, 3.0, sum.DataPoints[0].Value)
}

func TestManager_InitIsNoopWhenLive(t *testing.T) {
	factory := pipelinetest.NewManualFactory()
	m := pipeline.NewManager(testLog(), factory, nil)

	require.NoError(t, m.Init(context.Background(), testParams()))

	other := testParams()
	other.Endpoint = "elsewhere:4317"

	require.NoError(t, m.Init(context.Background(), other))

	assert.Len(t, factory.Builds(), 1)

	p, _ := m.Params()
	assert.Equal(t, "collector:4317", p.Endpoint)
}

func TestManager_InitFailure(t *testing.T) {
	factory := pipelinetest.NewManualFactory()
	factory.FailWith(errors.New("connection refused"))

	m := pipeline.NewManager(testLog(), factory, nil)

	err := m.Init(context.Background(), testParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, pipeline.StatusCleaned, m.Status())

	err = m.Record(addCounter("idx_scan", 1))
	assert.ErrorIs(t, err, pipeline.ErrPipelineNotReady)

	// A later init with a working factory recovers.
	factory.FailWith(nil)

	require.NoError(t, m.Init(context.Background(), testParams()))
	assert.Equal(t, pipeline.StatusLive, m.Status())
}

func TestManager_InvalidParams(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(p *pipeline.Params)
		wantErr string
	}{
		{
			name:    "empty endpoint",
			modify:  func(p *pipeline.Params) { p.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "zero interval",
			modify:  func(p *pipeline.Params) { p.Interval = 0 },
			wantErr: "interval must be positive",
		},
		{
			name:    "negative timeout",
			modify:  func(p *pipeline.Params) { p.Timeout = -time.Second },
			wantErr: "timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := pipelinetest.NewManualFactory()
			m := pipeline.NewManager(testLog(), factory, nil)

			p := testParams()
			tt.modify(&p)

			err := m.Init(context.Background(), p)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, pipeline.StatusCleaned, m.Status())
			assert.Empty(t, factory.Builds())
		})
	}
}

func TestManager_CleanupWhenUninitialized(t *testing.T) {
	m := pipeline.NewManager(testLog(), pipelinetest.NewManualFactory(), nil)

	require.NoError(t, m.Cleanup(context.Background()))
	assert.Equal(t, pipeline.StatusUninitialized, m.Status())
}

func TestManager_CleanupTwice(t *testing.T) {
	m := pipeline.NewManager(testLog(), pipelinetest.NewManualFactory(), nil)

	require.NoError(t, m.Init(context.Background(), testParams()))
	require.NoError(t, m.Cleanup(context.Background()))
	assert.Equal(t, pipeline.StatusCleaned, m.Status())

	require.NoError(t, m.Cleanup(context.Background()))
	assert.Equal(t, pipeline.StatusCleaned, m.Status())

	_, ok := m.Params()
	assert.False(t, ok)

	err := m.Record(addCounter("idx_scan", 1))
	assert.ErrorIs(t, err, pipeline.ErrPipelineNotReady)
}

func TestManager_CleanupFlushesExporter(t *testing.T) {
	factory := &pipelinetest.PeriodicFactory{}
	m := pipeline.NewManager(testLog(), factory, nil)

	p := testParams()
	p.Interval = time.Hour

	require.NoError(t, m.Init(context.Background(), p))
	require.NoError(t, m.Record(addCounter("seq_scan", 1)))

	exp := factory.Exporters()[0]
	assert.Zero(t, exp.Exports())

	require.NoError(t, m.Cleanup(context.Background()))

	assert.Equal(t, 1, exp.Exports())
	assert.True(t, exp.IsShutdown())
}

func TestManager_RestartSwapsExporter(t *testing.T) {
	factory := &pipelinetest.PeriodicFactory{}
	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})
	m := pipeline.NewManager(testLog(), factory, health)

	first := pipeline.Params{Endpoint: "a:4317", Interval: 50 * time.Millisecond, Timeout: 20 * time.Millisecond}
	require.NoError(t, m.Init(context.Background(), first))

	old := factory.Exporters()[0]
	assert.Eventually(t, func() bool { return old.Exports() >= 2 }, 2*time.Second, 10*time.Millisecond)

	second := pipeline.Params{Endpoint: "b:4317", Interval: 200 * time.Millisecond, Timeout: 50 * time.Millisecond}
	require.NoError(t, m.Restart(context.Background(), second))

	require.Len(t, factory.Exporters(), 2)
	assert.True(t, old.IsShutdown())

	p, ok := m.Params()
	require.True(t, ok)
	assert.Equal(t, second, p)

	oldCount := old.Exports()
	fresh := factory.Exporters()[1]

	time.Sleep(700 * time.Millisecond)

	// The old exporter receives nothing after Restart returns and the new
	// one flushes on its own cadence.
	assert.Equal(t, oldCount, old.Exports())
	assert.GreaterOrEqual(t, fresh.Exports(), 2)
	assert.LessOrEqual(t, fresh.Exports(), 5)
}

func TestManager_RestartFromCleaned(t *testing.T) {
	factory := pipelinetest.NewManualFactory()
	m := pipeline.NewManager(testLog(), factory, nil)

	require.NoError(t, m.Restart(context.Background(), testParams()))
	assert.Equal(t, pipeline.StatusLive, m.Status())
	assert.Len(t, factory.Builds(), 1)
}

func TestManager_RecordDuringRestarts(t *testing.T) {
	m := pipeline.NewManager(testLog(), pipelinetest.NewManualFactory(), nil)
	require.NoError(t, m.Init(context.Background(), testParams()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for ctx.Err() == nil {
				err := m.Record(addCounter("idx_scan", 1, attribute.String("relname", "t")))
				if err != nil && !errors.Is(err, pipeline.ErrPipelineNotReady) {
					t.Errorf("unexpected record error: %v", err)

					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, m.Restart(context.Background(), testParams()))
	}

	cancel()
	wg.Wait()

	assert.Equal(t, pipeline.StatusLive, m.Status())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "uninitialized", pipeline.StatusUninitialized.String())
	assert.Equal(t, "live", pipeline.StatusLive.String())
	assert.Equal(t, "cleaned", pipeline.StatusCleaned.String())
	assert.Equal(t, "status(9)", pipeline.Status(9).String())
}
