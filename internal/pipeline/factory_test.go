package pipeline_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	httpexport "github.com/ethpandaops/pgtelemetry/internal/export/http"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
)

// syncBuffer is a bytes.Buffer safe for the SDK's background writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestFactory_UnsupportedProtocol(t *testing.T) {
	f := pipeline.NewFactory(testLog(), pipeline.FactoryConfig{Protocol: "carrier-pigeon"}, nil)

	_, err := f.Build(context.Background(), testParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported protocol "carrier-pigeon"`)
}

func TestFactory_Stdout(t *testing.T) {
	out := &syncBuffer{}

	f := pipeline.NewFactory(testLog(), pipeline.FactoryConfig{
		Protocol: pipeline.ProtocolStdout,
		Logs:     true,
		Traces:   true,
		Writer:   out,
	}, nil)

	m := pipeline.NewManager(testLog(), f, nil)
	require.NoError(t, m.Init(context.Background(), testParams()))

	require.NoError(t, m.Record(addCounter("idx_scan", 4, attribute.String("relname", "orders"))))
	require.NoError(t, m.Record(func(h *pipeline.Handle) error {
		_, span := h.Tracer().Start(context.Background(), "one-shot")
		span.End()

		return nil
	}))

	require.NoError(t, m.Cleanup(context.Background()))

	assert.Contains(t, out.String(), "idx_scan")
	assert.Contains(t, out.String(), "orders")
	assert.Contains(t, out.String(), "one-shot")
}

func TestFactory_NDJSON(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	f := pipeline.NewFactory(testLog(), pipeline.FactoryConfig{
		Protocol: pipeline.ProtocolNDJSON,
		Logs:     true,
		Traces:   true,
		NDJSON: httpexport.Config{
			Compression:  httpexport.CompressionNone,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil)

	p := testParams()
	p.Endpoint = server.URL

	c, err := f.Build(context.Background(), p)
	require.NoError(t, err)
	assert.NotNil(t, c.Reader)
	assert.Nil(t, c.LogProcessor)
	assert.Nil(t, c.SpanProcessor)
	_ = c.Reader.Shutdown(context.Background())

	m := pipeline.NewManager(testLog(), f, nil)
	require.NoError(t, m.Init(context.Background(), p))
	require.NoError(t, m.Record(addCounter("seq_scan", 9)))
	require.NoError(t, m.Cleanup(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, bodies)
	assert.Contains(t, bodies[0], `"metric":"seq_scan"`)
	assert.Contains(t, bodies[0], `"service":"pgtelemetry"`)
}

func TestFactory_NDJSONRestartDeliversPendingPoints(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	f := pipeline.NewFactory(testLog(), pipeline.FactoryConfig{
		Protocol: pipeline.ProtocolNDJSON,
		NDJSON: httpexport.Config{
			Compression:  httpexport.CompressionNone,
			BatchTimeout: 20 * time.Millisecond,
		},
	}, nil)

	p := testParams()
	p.Endpoint = server.URL

	m := pipeline.NewManager(testLog(), f, nil)
	require.NoError(t, m.Init(context.Background(), p))
	require.NoError(t, m.Record(addCounter("before_restart", 7)))

	// The outgoing pipeline's final collection is delivered before Restart
	// returns.
	require.NoError(t, m.Restart(context.Background(), p))

	mu.Lock()
	joined := strings.Join(bodies, "\n")
	mu.Unlock()

	assert.Contains(t, joined, `"metric":"before_restart"`)

	require.NoError(t, m.Cleanup(context.Background()))
}

func TestFactory_GRPCBuildsWithoutCollector(t *testing.T) {
	f := pipeline.NewFactory(testLog(), pipeline.FactoryConfig{
		Protocol: pipeline.ProtocolGRPC,
		Insecure: true,
		Logs:     true,
		Traces:   true,
		Headers:  map[string]string{"x-tenant": "db1"},
	}, nil)

	m := pipeline.NewManager(testLog(), f, nil)

	p := pipeline.Params{Endpoint: "127.0.0.1:1", Interval: time.Hour, Timeout: 100 * time.Millisecond}

	// Exporters connect lazily, so construction succeeds without a collector.
	require.NoError(t, m.Init(context.Background(), p))
	assert.Equal(t, pipeline.StatusLive, m.Status())

	// The final flush fails against the unreachable endpoint, but the
	// pipeline is detached regardless.
	_ = m.Cleanup(context.Background())
	assert.Equal(t, pipeline.StatusCleaned, m.Status())
}

func TestLogHook_ForwardsOnlyWhileLive(t *testing.T) {
	out := &syncBuffer{}

	f := pipeline.NewFactory(testLog(), pipeline.FactoryConfig{
		Protocol: pipeline.ProtocolStdout,
		Logs:     true,
		Writer:   out,
	}, nil)

	m := pipeline.NewManager(testLog(), f, nil)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(m.LogHook())

	logger.Info("before-init")

	require.NoError(t, m.Init(context.Background(), testParams()))
	logger.WithField("relname", "users").Warn("while-live")
	require.NoError(t, m.Cleanup(context.Background()))

	logger.Info("after-cleanup")

	assert.NotContains(t, out.String(), "before-init")
	assert.Contains(t, out.String(), "while-live")
	assert.NotContains(t, out.String(), "after-cleanup")
}
