package agent

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/pgtelemetry/internal/collector"
	"github.com/ethpandaops/pgtelemetry/internal/export"
	httpexport "github.com/ethpandaops/pgtelemetry/internal/export/http"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
	"github.com/ethpandaops/pgtelemetry/internal/reload"
	"github.com/ethpandaops/pgtelemetry/internal/supervisor"
)

const (
	minIntervalMs = 1000
	minTimeoutMs  = 100
)

// Config is the top-level configuration for the pgtelemetry agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Telemetry configures the export pipeline.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Worker configures the collector worker.
	Worker WorkerConfig `yaml:"worker"`

	// Database configures the PostgreSQL connection.
	Database DatabaseConfig `yaml:"database"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// WatchConfig reloads the config file when it changes on disk.
	// Defaults to true.
	WatchConfig bool `yaml:"watch_config"`
}

// TelemetryConfig configures the export pipeline.
type TelemetryConfig struct {
	// Enabled turns counter emission and collection on.
	// Defaults to false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the collector address, host:port or a full URL.
	// Defaults to "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// Protocol selects the exporter: grpc, http, stdout, ndjson or
	// clickhouse. Defaults to "grpc".
	Protocol string `yaml:"protocol"`

	// Insecure disables TLS for grpc and http. Defaults to true.
	Insecure bool `yaml:"insecure"`

	// Interval is the export interval in milliseconds, minimum 1000.
	// Defaults to 2000.
	Interval int `yaml:"interval"`

	// Timeout is the export timeout in milliseconds, minimum 100.
	// Defaults to 500.
	Timeout int `yaml:"timeout"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers"`

	// RuntimeMetrics adds Go runtime metrics to the pipeline.
	RuntimeMetrics bool `yaml:"runtime_metrics"`

	// Logs bridges agent logs into the pipeline. Defaults to true.
	Logs bool `yaml:"logs"`

	// Traces enables the span pipeline. Defaults to true.
	Traces bool `yaml:"traces"`

	// NDJSON tunes the ndjson protocol exporter.
	NDJSON httpexport.Config `yaml:"ndjson"`

	// ClickHouse tunes the clickhouse protocol exporter.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
}

// WorkerConfig configures the collector worker and its supervisor.
type WorkerConfig struct {
	// IdleTime is the pause between collection cycles in milliseconds.
	// Defaults to 100.
	IdleTime int `yaml:"idle_time"`

	// DBName is the database the worker connects to.
	// Defaults to "postgres".
	DBName string `yaml:"dbname"`

	// RestartDelay is the wait before restarting a failed worker.
	// Defaults to 10s.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// RestartMaxDelay enables exponential restart backoff when larger
	// than RestartDelay.
	RestartMaxDelay time.Duration `yaml:"restart_max_delay"`

	// Plan overrides the collection query and metric mapping.
	Plan *collector.Plan `yaml:"plan"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	// DSN is a libpq-style URL. The worker replaces its database name
	// with worker.dbname.
	DSN string `yaml:"dsn"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4317",
			Protocol: pipeline.ProtocolGRPC,
			Insecure: true,
			Interval: 2000,
			Timeout:  500,
			Logs:     true,
			Traces:   true,
			NDJSON:   httpexport.DefaultConfig(),
		},
		Worker: WorkerConfig{
			IdleTime:     100,
			DBName:       "postgres",
			RestartDelay: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "postgres://postgres@localhost:5432/postgres?sslmode=disable",
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		WatchConfig: true,
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	t := c.Telemetry

	if t.Endpoint == "" {
		return errors.New("telemetry.endpoint is required")
	}

	if !slices.Contains(pipeline.Protocols(), t.Protocol) {
		return fmt.Errorf("telemetry.protocol %q is not one of %v", t.Protocol, pipeline.Protocols())
	}

	if t.Interval < minIntervalMs {
		return fmt.Errorf("telemetry.interval must be at least %dms", minIntervalMs)
	}

	if t.Timeout < minTimeoutMs {
		return fmt.Errorf("telemetry.timeout must be at least %dms", minTimeoutMs)
	}

	if c.Worker.IdleTime <= 0 {
		return errors.New("worker.idle_time must be positive")
	}

	if c.Worker.DBName == "" {
		return errors.New("worker.dbname is required")
	}

	if c.Worker.RestartDelay < 0 || c.Worker.RestartMaxDelay < 0 {
		return errors.New("worker restart delays cannot be negative")
	}

	if c.Worker.Plan != nil {
		if err := c.Worker.Plan.Validate(); err != nil {
			return fmt.Errorf("worker.plan: %w", err)
		}
	}

	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	return nil
}

// Settings returns the hot-reloadable subset of the configuration.
func (c *Config) Settings() reload.Settings {
	return reload.Settings{
		Enabled:  c.Telemetry.Enabled,
		Endpoint: c.Telemetry.Endpoint,
		Interval: time.Duration(c.Telemetry.Interval) * time.Millisecond,
		Timeout:  time.Duration(c.Telemetry.Timeout) * time.Millisecond,
		IdleTime: time.Duration(c.Worker.IdleTime) * time.Millisecond,
		DBName:   c.Worker.DBName,
	}
}

// FactoryConfig returns the fixed exporter options.
func (c *Config) FactoryConfig() pipeline.FactoryConfig {
	return pipeline.FactoryConfig{
		Protocol:   c.Telemetry.Protocol,
		Insecure:   c.Telemetry.Insecure,
		Headers:    c.Telemetry.Headers,
		Logs:       c.Telemetry.Logs,
		Traces:     c.Telemetry.Traces,
		NDJSON:     c.Telemetry.NDJSON,
		ClickHouse: c.Telemetry.ClickHouse,
	}
}

// SupervisorConfig returns the worker restart policy.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		RestartDelay:    c.Worker.RestartDelay,
		MaxRestartDelay: c.Worker.RestartMaxDelay,
	}
}

// CollectionPlan returns the configured plan or the default one.
func (c *Config) CollectionPlan() collector.Plan {
	if c.Worker.Plan != nil {
		return *c.Worker.Plan
	}

	return collector.DefaultPlan()
}

// ClickHouseDSN returns the migration DSN for the clickhouse protocol,
// addressed at telemetry.endpoint.
func (c *Config) ClickHouseDSN() string {
	ch := c.Telemetry.ClickHouse
	ch.Endpoint = c.Telemetry.Endpoint
	ch.ApplyDefaults()

	return ch.DSN()
}
