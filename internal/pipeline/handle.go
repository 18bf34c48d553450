package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otellogrus"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

// Instrumentation scope used for every instrument and tracer.
const (
	ScopeName    = "github.com/ethpandaops/pgtelemetry"
	ScopeVersion = "1.2.0"
	SchemaURL    = "https://opentelemetry.io/schemas/1.2.0"
)

// Handle is one live instance of the export pipeline. It is only
// reachable through Manager.Record, which guarantees the providers have
// not been shut down while the callback runs.
type Handle struct {
	params  Params
	meters  *sdkmetric.MeterProvider
	logs    *sdklog.LoggerProvider
	traces  *sdktrace.TracerProvider
	logHook *otellogrus.Hook
	meter   metric.Meter
	tracer  trace.Tracer

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

func newHandle(p Params, c *Components, res *resource.Resource) *Handle {
	h := &Handle{
		params:   p,
		counters: make(map[string]metric.Float64Counter, 8),
	}

	h.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(c.Reader),
	)
	h.meter = h.meters.Meter(ScopeName,
		metric.WithInstrumentationVersion(ScopeVersion),
		metric.WithSchemaURL(SchemaURL),
	)

	if c.LogProcessor != nil {
		h.logs = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(c.LogProcessor),
		)
		h.logHook = otellogrus.NewHook(ScopeName,
			otellogrus.WithLoggerProvider(h.logs),
			otellogrus.WithVersion(ScopeVersion),
		)
	}

	if c.SpanProcessor != nil {
		h.traces = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(c.SpanProcessor),
		)
		h.tracer = h.traces.Tracer(ScopeName,
			trace.WithInstrumentationVersion(ScopeVersion),
			trace.WithSchemaURL(SchemaURL),
		)
	} else {
		h.tracer = noop.NewTracerProvider().Tracer(ScopeName)
	}

	return h
}

// Params returns the settings this handle was built from.
func (h *Handle) Params() Params {
	return h.params
}

// MeterProvider returns the handle's meter provider.
func (h *Handle) MeterProvider() metric.MeterProvider {
	return h.meters
}

// Tracer returns the handle's tracer. It is a no-op tracer when traces
// are disabled for the pipeline.
func (h *Handle) Tracer() trace.Tracer {
	return h.tracer
}

// Float64Counter returns the cached counter instrument for name,
// creating it on first use.
func (h *Handle) Float64Counter(name string) (metric.Float64Counter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.counters[name]; ok {
		return c, nil
	}

	c, err := h.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("creating counter %q: %w", name, err)
	}

	h.counters[name] = c

	return c, nil
}

// shutdown flushes and stops every provider. The meter provider's
// shutdown performs the final export through its reader.
func (h *Handle) shutdown(ctx context.Context) error {
	var err error

	if h.traces != nil {
		err = multierr.Append(err, h.traces.Shutdown(ctx))
	}

	if h.logs != nil {
		err = multierr.Append(err, h.logs.Shutdown(ctx))
	}

	return multierr.Append(err, h.meters.Shutdown(ctx))
}
