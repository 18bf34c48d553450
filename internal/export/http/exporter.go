// Package http exports metric data points as NDJSON to an HTTP sink such
// as Vector.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/version"
)

// Exporter implements processor.ItemExporter, posting batches of data
// points as NDJSON.
type Exporter struct {
	cfg        Config
	client     *http.Client
	compressor *Compressor
	log        logrus.FieldLogger
}

var _ processor.ItemExporter[export.DataPoint] = (*Exporter)(nil)

// NewExporter creates a new HTTP exporter.
func NewExporter(log logrus.FieldLogger, cfg Config) (*Exporter, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 2,
		MaxIdleConnsPerHost: cfg.Workers * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   cfg.DisableKeepAlive,
	}

	return &Exporter{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ExportTimeout,
		},
		compressor: compressor,
		log:        log.WithField("component", "ndjson_exporter"),
	}, nil
}

// ExportItems posts a batch of data points to the HTTP endpoint.
func (e *Exporter) ExportItems(ctx context.Context, items []*export.DataPoint) error {
	if len(items) == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.Grow(len(items) * 256)

	encoder := json.NewEncoder(&buf)

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := encoder.Encode(item); err != nil {
			return fmt.Errorf("encoding data point: %w", err)
		}
	}

	data := buf.Bytes()

	compressed, err := e.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("compressing data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())

	if encoding := e.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	// Drain response body to enable connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	e.log.WithFields(logrus.Fields{
		"points":     len(items),
		"bytes":      len(data),
		"compressed": len(compressed),
	}).Debug("Exported batch via HTTP")

	return nil
}

// Shutdown shuts down the exporter.
func (e *Exporter) Shutdown(_ context.Context) error {
	if e.compressor != nil {
		return e.compressor.Close()
	}

	return nil
}

// MetricExporter adapts the batching NDJSON exporter to the SDK's metric
// exporter contract. Each periodic collection is flattened into data
// points and queued on a BatchItemProcessor.
type MetricExporter struct {
	log      logrus.FieldLogger
	proc     *processor.BatchItemProcessor[export.DataPoint]
	health   *export.HealthMetrics
	cancel   context.CancelFunc
	shutdown atomic.Bool
}

var _ sdkmetric.Exporter = (*MetricExporter)(nil)

// NewMetricExporter builds the HTTP exporter and a synchronous batch
// processor and starts the processor workers.
func NewMetricExporter(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*MetricExporter, error) {
	cfg.ApplyDefaults()

	exporter, err := NewExporter(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[export.DataPoint](
		exporter,
		"ndjson_metrics",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
		processor.WithShippingMethod(processor.ShippingMethodSync),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc.Start(ctx)

	return &MetricExporter{
		log:    log.WithField("component", "ndjson_metrics"),
		proc:   proc,
		health: health,
		cancel: cancel,
	}, nil
}

// Temporality returns the SDK default (cumulative) temporality.
func (m *MetricExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

// Aggregation returns the SDK default aggregation.
func (m *MetricExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

// Export delivers the collected data points and returns once the sink has
// acknowledged them.
func (m *MetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if m.shutdown.Load() {
		return errors.New("ndjson exporter is shut down")
	}

	points := export.FlattenResourceMetrics(rm)
	if len(points) == 0 {
		return nil
	}

	if err := m.proc.Write(ctx, points); err != nil {
		if m.health != nil {
			m.health.ExportErrors.WithLabelValues("ndjson").Inc()
		}

		return fmt.Errorf("delivering data points: %w", err)
	}

	return nil
}

// ForceFlush is a no-op since Export does not return before delivery.
func (m *MetricExporter) ForceFlush(_ context.Context) error {
	return nil
}

// Shutdown drains the batch processor and stops its workers.
func (m *MetricExporter) Shutdown(ctx context.Context) error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	defer m.cancel()

	if err := m.proc.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down processor: %w", err)
	}

	return nil
}
