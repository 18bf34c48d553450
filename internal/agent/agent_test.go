package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/pgtelemetry/internal/collector"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

type sinkServer struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []string
}

func newSinkServer(t *testing.T) *sinkServer {
	t.Helper()

	s := &sinkServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))

	t.Cleanup(s.Close)

	return s
}

func (s *sinkServer) received() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return strings.Join(s.bodies, "")
}

type stubQuerier struct {
	calls atomic.Int32
}

func (q *stubQuerier) Query(_ context.Context, _ string) ([]collector.Row, error) {
	q.calls.Add(1)

	return []collector.Row{
		{"dbname": "postgres", "schemaname": "public", "relname": "users", "idx_scan": int64(3), "seq_scan": int64(2)},
	}, nil
}

func (q *stubQuerier) Close() {}

func ndjsonConfig(endpoint string) *Config {
	cfg := DefaultConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Protocol = pipeline.ProtocolNDJSON
	cfg.Telemetry.Endpoint = endpoint
	cfg.Telemetry.Interval = 1000
	cfg.Telemetry.NDJSON.Compression = "none"
	cfg.Telemetry.NDJSON.BatchTimeout = 50 * time.Millisecond
	cfg.Worker.IdleTime = 20
	cfg.Health.Addr = "127.0.0.1:0"
	cfg.WatchConfig = false

	return cfg
}

func startAgent(t *testing.T, cfg *Config, path string, q *stubQuerier) *agent {
	t.Helper()

	a, err := New(testLog(), cfg, path, WithQuerierFactory(
		func(_ context.Context, _ string) (collector.Querier, error) {
			return q, nil
		},
	))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	return a.(*agent)
}

func TestAgent_CollectsAndExports(t *testing.T) {
	sink := newSinkServer(t)
	q := &stubQuerier{}

	a := startAgent(t, ndjsonConfig(sink.URL), "", q)

	assert.Eventually(t, func() bool { return q.calls.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return a.manager.Status() == pipeline.StatusLive
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop())

	assert.Eventually(t, func() bool {
		return strings.Contains(sink.received(), `"metric":"idx_scan"`)
	}, 3*time.Second, 20*time.Millisecond)

	assert.Contains(t, sink.received(), `"relname":"users"`)
	assert.Equal(t, pipeline.StatusCleaned, a.manager.Status())
}

func TestAgent_ServesCounterAPI(t *testing.T) {
	sink := newSinkServer(t)
	q := &stubQuerier{}

	a := startAgent(t, ndjsonConfig(sink.URL), "", q)

	assert.Eventually(t, func() bool {
		return a.manager.Status() == pipeline.StatusLive
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(
		"http://"+a.health.Addr()+"/v1/counters",
		"application/json",
		bytes.NewBufferString(`{"name":"app_requests","value":2,"labels":{"route":"/"}}`),
	)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, a.Stop())

	assert.Eventually(t, func() bool {
		return strings.Contains(sink.received(), `"metric":"app_requests"`)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAgent_ServesCounterAPIWithoutDatabase(t *testing.T) {
	sink := newSinkServer(t)

	a, err := New(testLog(), ndjsonConfig(sink.URL), "", WithQuerierFactory(
		func(_ context.Context, _ string) (collector.Querier, error) {
			return nil, errors.New("connection refused")
		},
	))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ag := a.(*agent)
	assert.Equal(t, pipeline.StatusLive, ag.manager.Status())

	resp, err := http.Post(
		"http://"+ag.health.Addr()+"/v1/counters",
		"application/json",
		bytes.NewBufferString(`{"name":"app_requests","value":2}`),
	)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, a.Stop())

	assert.Contains(t, sink.received(), `"metric":"app_requests"`)
}

func TestAgent_ReloadAppliesConfigFile(t *testing.T) {
	sink := newSinkServer(t)
	other := newSinkServer(t)
	q := &stubQuerier{}

	cfg := ndjsonConfig(sink.URL)

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, cfg)

	a := startAgent(t, cfg, path, q)

	defer func() {
		require.NoError(t, a.Stop())
	}()

	assert.Eventually(t, func() bool {
		p, ok := a.manager.Params()

		return ok && p.Endpoint == sink.URL
	}, 2*time.Second, 10*time.Millisecond)

	cfg.Telemetry.Endpoint = other.URL
	cfg.Worker.DBName = "analytics"
	writeConfig(t, path, cfg)

	require.NoError(t, a.Reload(false))

	assert.Eventually(t, func() bool {
		p, ok := a.manager.Params()

		return ok && p.Endpoint == other.URL
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "analytics", a.bridge.Snapshot().DBName)
}

func TestAgent_ForcedReloadRestartsPipeline(t *testing.T) {
	sink := newSinkServer(t)
	q := &stubQuerier{}

	a := startAgent(t, ndjsonConfig(sink.URL), "", q)

	defer func() {
		require.NoError(t, a.Stop())
	}()

	assert.Eventually(t, func() bool {
		return a.manager.Status() == pipeline.StatusLive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Reload(true))

	assert.Eventually(t, func() bool {
		families, err := a.health.Registry().Gather()
		require.NoError(t, err)

		for _, mf := range families {
			if mf.GetName() == "pgtelemetry_pipeline_restarts_total" {
				return mf.GetMetric()[0].GetCounter().GetValue() >= 1
			}
		}

		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func writeConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
