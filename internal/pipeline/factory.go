package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"

	"github.com/ethpandaops/pgtelemetry/internal/export"
	httpexport "github.com/ethpandaops/pgtelemetry/internal/export/http"
)

// Supported export protocols.
const (
	ProtocolGRPC       = "grpc"
	ProtocolHTTP       = "http"
	ProtocolStdout     = "stdout"
	ProtocolNDJSON     = "ndjson"
	ProtocolClickHouse = "clickhouse"
)

// Protocols lists every protocol DefaultFactory can build.
func Protocols() []string {
	return []string{ProtocolGRPC, ProtocolHTTP, ProtocolStdout, ProtocolNDJSON, ProtocolClickHouse}
}

// Components are the exporter-side pieces a Handle is assembled from.
type Components struct {
	// Reader drives metric collection and export. Required.
	Reader sdkmetric.Reader
	// LogProcessor receives bridged log records. Optional.
	LogProcessor sdklog.Processor
	// SpanProcessor receives finished spans. Optional.
	SpanProcessor sdktrace.SpanProcessor
}

// Factory builds pipeline components for a set of params.
type Factory interface {
	Build(ctx context.Context, p Params) (*Components, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, p Params) (*Components, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, p Params) (*Components, error) {
	return f(ctx, p)
}

// FactoryConfig holds exporter options that are fixed for the life of the
// process. Endpoint, interval and timeout come from Params instead.
type FactoryConfig struct {
	Protocol string
	Insecure bool
	Headers  map[string]string
	// Logs enables the log record pipeline (grpc, http and stdout only).
	Logs bool
	// Traces enables the span pipeline (grpc, http and stdout only).
	Traces     bool
	NDJSON     httpexport.Config
	ClickHouse export.ClickHouseConfig
	// Writer receives stdout protocol output. Defaults to os.Stdout.
	Writer io.Writer
}

// DefaultFactory builds OTLP, stdout, NDJSON and ClickHouse pipelines.
type DefaultFactory struct {
	log    logrus.FieldLogger
	cfg    FactoryConfig
	health *export.HealthMetrics
}

var _ Factory = (*DefaultFactory)(nil)

// NewFactory creates a DefaultFactory.
func NewFactory(
	log logrus.FieldLogger,
	cfg FactoryConfig,
	health *export.HealthMetrics,
) *DefaultFactory {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}

	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	return &DefaultFactory{
		log:    log.WithField("component", "pipeline_factory"),
		cfg:    cfg,
		health: health,
	}
}

// Build creates the metric reader and, when enabled and supported by the
// protocol, the log and span processors.
func (f *DefaultFactory) Build(ctx context.Context, p Params) (*Components, error) {
	exp, err := f.metricExporter(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("creating %s metric exporter: %w", f.cfg.Protocol, err)
	}

	c := &Components{
		Reader: sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(p.Interval),
			sdkmetric.WithTimeout(p.Timeout),
		),
	}

	if f.cfg.Logs {
		lexp, err := f.logExporter(ctx, p)
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("creating %s log exporter: %w", f.cfg.Protocol, err),
				exp.Shutdown(ctx),
			)
		}

		if lexp != nil {
			c.LogProcessor = sdklog.NewBatchProcessor(lexp,
				sdklog.WithExportInterval(p.Interval),
				sdklog.WithExportTimeout(p.Timeout),
			)
		}
	}

	if f.cfg.Traces {
		sexp, err := f.spanExporter(ctx, p)
		if err != nil {
			err = fmt.Errorf("creating %s span exporter: %w", f.cfg.Protocol, err)
			err = multierr.Append(err, exp.Shutdown(ctx))

			if c.LogProcessor != nil {
				err = multierr.Append(err, c.LogProcessor.Shutdown(ctx))
			}

			return nil, err
		}

		if sexp != nil {
			c.SpanProcessor = sdktrace.NewBatchSpanProcessor(sexp,
				sdktrace.WithBatchTimeout(p.Interval),
				sdktrace.WithExportTimeout(p.Timeout),
			)
		}
	}

	return c, nil
}

func (f *DefaultFactory) metricExporter(ctx context.Context, p Params) (sdkmetric.Exporter, error) {
	switch f.cfg.Protocol {
	case ProtocolGRPC:
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithTimeout(p.Timeout),
		}

		if hasScheme(p.Endpoint) {
			opts = append(opts, otlpmetricgrpc.WithEndpointURL(p.Endpoint))
		} else {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(p.Endpoint))
		}

		if f.cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}

		if len(f.cfg.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(f.cfg.Headers))
		}

		return otlpmetricgrpc.New(ctx, opts...)
	case ProtocolHTTP:
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithTimeout(p.Timeout),
		}

		if hasScheme(p.Endpoint) {
			opts = append(opts, otlpmetrichttp.WithEndpointURL(p.Endpoint))
		} else {
			opts = append(opts, otlpmetrichttp.WithEndpoint(p.Endpoint))
		}

		if f.cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}

		if len(f.cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(f.cfg.Headers))
		}

		return otlpmetrichttp.New(ctx, opts...)
	case ProtocolStdout:
		return stdoutmetric.New(stdoutmetric.WithWriter(f.cfg.Writer))
	case ProtocolNDJSON:
		cfg := f.cfg.NDJSON
		cfg.Address = p.Endpoint
		cfg.Headers = f.cfg.Headers

		if cfg.ExportTimeout <= 0 {
			cfg.ExportTimeout = p.Timeout
		}

		return httpexport.NewMetricExporter(f.log, cfg, f.health)
	case ProtocolClickHouse:
		cfg := f.cfg.ClickHouse
		cfg.Endpoint = p.Endpoint

		e := export.NewClickHouseExporter(f.log, cfg, f.health)

		sctx, cancel := context.WithTimeout(ctx, max(p.Timeout, 5*time.Second))
		defer cancel()

		if err := e.Start(sctx); err != nil {
			return nil, err
		}

		return e, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", f.cfg.Protocol)
	}
}

// logExporter returns nil, nil for protocols without a log pipeline.
func (f *DefaultFactory) logExporter(ctx context.Context, p Params) (sdklog.Exporter, error) {
	switch f.cfg.Protocol {
	case ProtocolGRPC:
		opts := []otlploggrpc.Option{
			otlploggrpc.WithTimeout(p.Timeout),
		}

		if hasScheme(p.Endpoint) {
			opts = append(opts, otlploggrpc.WithEndpointURL(p.Endpoint))
		} else {
			opts = append(opts, otlploggrpc.WithEndpoint(p.Endpoint))
		}

		if f.cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		}

		if len(f.cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(f.cfg.Headers))
		}

		return otlploggrpc.New(ctx, opts...)
	case ProtocolHTTP:
		opts := []otlploghttp.Option{
			otlploghttp.WithTimeout(p.Timeout),
		}

		if hasScheme(p.Endpoint) {
			opts = append(opts, otlploghttp.WithEndpointURL(p.Endpoint))
		} else {
			opts = append(opts, otlploghttp.WithEndpoint(p.Endpoint))
		}

		if f.cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}

		if len(f.cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(f.cfg.Headers))
		}

		return otlploghttp.New(ctx, opts...)
	case ProtocolStdout:
		return stdoutlog.New(stdoutlog.WithWriter(f.cfg.Writer))
	default:
		f.log.WithField("protocol", f.cfg.Protocol).Debug("Log export not supported by protocol")

		return nil, nil
	}
}

// spanExporter returns nil, nil for protocols without a span pipeline.
func (f *DefaultFactory) spanExporter(ctx context.Context, p Params) (sdktrace.SpanExporter, error) {
	switch f.cfg.Protocol {
	case ProtocolGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithTimeout(p.Timeout),
		}

		if hasScheme(p.Endpoint) {
			opts = append(opts, otlptracegrpc.WithEndpointURL(p.Endpoint))
		} else {
			opts = append(opts, otlptracegrpc.WithEndpoint(p.Endpoint))
		}

		if f.cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		if len(f.cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(f.cfg.Headers))
		}

		return otlptracegrpc.New(ctx, opts...)
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithTimeout(p.Timeout),
		}

		if hasScheme(p.Endpoint) {
			opts = append(opts, otlptracehttp.WithEndpointURL(p.Endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(p.Endpoint))
		}

		if f.cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		if len(f.cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(f.cfg.Headers))
		}

		return otlptracehttp.New(ctx, opts...)
	case ProtocolStdout:
		return stdouttrace.New(stdouttrace.WithWriter(f.cfg.Writer))
	default:
		f.log.WithField("protocol", f.cfg.Protocol).Debug("Trace export not supported by protocol")

		return nil, nil
	}
}

func hasScheme(endpoint string) bool {
	return strings.Contains(endpoint, "://")
}
