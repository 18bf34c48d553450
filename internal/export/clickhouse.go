package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ClickHouseConfig configures the ClickHouse metric exporter.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address. It is taken
	// from telemetry.endpoint when ClickHouse is the pipeline protocol.
	Endpoint string `yaml:"-"`

	// Database is the target database name.
	// Defaults to "default".
	Database string `yaml:"database"`

	// Table is the target table name.
	// Defaults to "pg_counters".
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`
}

// ApplyDefaults fills unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}

	if c.Table == "" {
		c.Table = "pg_counters"
	}
}

// DSN returns a clickhouse:// URL suitable for schema migrations.
func (c ClickHouseConfig) DSN() string {
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("x-multi-statement", "true")

	if c.Username != "" {
		q.Set("username", c.Username)
	}

	if c.Password != "" {
		q.Set("password", c.Password)
	}

	u := url.URL{
		Scheme:   "clickhouse",
		Host:     c.Endpoint,
		RawQuery: q.Encode(),
	}

	return u.String()
}

// ClickHouseExporter writes metric data points into a ClickHouse table.
// It satisfies the SDK's metric exporter contract so it can sit behind a
// periodic reader like any OTLP exporter.
type ClickHouseExporter struct {
	log      logrus.FieldLogger
	cfg      ClickHouseConfig
	health   *HealthMetrics
	conn     clickhouse.Conn
	shutdown atomic.Bool
}

var _ sdkmetric.Exporter = (*ClickHouseExporter)(nil)

// NewClickHouseExporter creates a new ClickHouse exporter.
func NewClickHouseExporter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *HealthMetrics,
) *ClickHouseExporter {
	cfg.ApplyDefaults()

	return &ClickHouseExporter{
		log:    log.WithField("component", "clickhouse"),
		cfg:    cfg,
		health: health,
	}
}

// Start opens the ClickHouse connection.
func (e *ClickHouseExporter) Start(ctx context.Context) error {
	if e.cfg.Endpoint == "" {
		return errors.New("clickhouse endpoint is required")
	}

	opts := &clickhouse.Options{
		Addr: []string{e.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: e.cfg.Database,
			Username: e.cfg.Username,
			Password: e.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	e.conn = conn

	e.log.WithField("endpoint", e.cfg.Endpoint).
		Info("ClickHouse exporter connected")

	return nil
}

// Temporality returns the SDK default (cumulative) temporality.
func (e *ClickHouseExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

// Aggregation returns the SDK default aggregation.
func (e *ClickHouseExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

// Export inserts one row per sum or gauge data point.
func (e *ClickHouseExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if e.shutdown.Load() {
		return errors.New("clickhouse exporter is shut down")
	}

	if e.conn == nil {
		return errors.New("clickhouse exporter not started")
	}

	points := FlattenResourceMetrics(rm)
	if len(points) == 0 {
		return nil
	}

	start := time.Now()

	if err := e.insert(ctx, points); err != nil {
		if e.health != nil {
			e.health.ExportErrors.WithLabelValues("clickhouse").Inc()
		}

		return err
	}

	e.log.WithFields(logrus.Fields{
		"rows":     len(points),
		"duration": time.Since(start),
	}).Debug("Exported data points to ClickHouse")

	return nil
}

func (e *ClickHouseExporter) insert(ctx context.Context, points []*DataPoint) error {
	batch, err := e.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s.%s (event_time, start_time, metric_name, kind, value, attributes, scope, service, service_instance_id)",
		e.cfg.Database, e.cfg.Table,
	))
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, p := range points {
		attrs := p.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}

		if err := batch.Append(
			p.Time,
			p.StartTime,
			p.Metric,
			p.Kind,
			p.Value,
			attrs,
			p.Scope,
			p.Service,
			p.InstanceID,
		); err != nil {
			_ = batch.Abort()

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}

	return nil
}

// ForceFlush is a no-op; every Export call is written synchronously.
func (e *ClickHouseExporter) ForceFlush(_ context.Context) error {
	return nil
}

// Shutdown closes the ClickHouse connection.
func (e *ClickHouseExporter) Shutdown(_ context.Context) error {
	if !e.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if e.conn != nil {
		return e.conn.Close()
	}

	return nil
}
