package http

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config tunes the NDJSON exporter used by the ndjson protocol.
type Config struct {
	// Address receives the POSTed batches. Set from telemetry.endpoint.
	Address string `yaml:"-"`

	// Headers are added to every request. Set from telemetry.headers.
	Headers map[string]string `yaml:"-"`

	// Compression is one of none, gzip, zstd, zlib or snappy.
	// Defaults to gzip.
	Compression string `yaml:"compression"`

	// BatchSize caps the data points per request. Defaults to 512.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout flushes a partial batch after this long, which also bounds
	// how long Export waits on one. Defaults to 1s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds one request. Defaults to 10s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize caps queued data points; overflow is dropped.
	// Defaults to 8192.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent senders. Defaults to 1.
	Workers int `yaml:"workers"`

	// DisableKeepAlive closes the connection after every request.
	DisableKeepAlive bool `yaml:"disable_keep_alive"`
}

// DefaultConfig returns the exporter defaults.
func DefaultConfig() Config {
	return Config{
		Compression:   CompressionGzip,
		BatchSize:     512,
		BatchTimeout:  time.Second,
		ExportTimeout: 10 * time.Second,
		MaxQueueSize:  8192,
		Workers:       1,
	}
}

// ApplyDefaults fills every unset field from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.Compression == "" {
		c.Compression = d.Compression
	}

	c.BatchSize = orDefault(c.BatchSize, d.BatchSize)
	c.BatchTimeout = orDefault(c.BatchTimeout, d.BatchTimeout)
	c.ExportTimeout = orDefault(c.ExportTimeout, d.ExportTimeout)
	c.MaxQueueSize = orDefault(c.MaxQueueSize, d.MaxQueueSize)
	c.Workers = orDefault(c.Workers, d.Workers)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var err error

	if c.Address == "" {
		err = multierr.Append(err, errors.New("http address is required"))
	}

	if c.BatchSize <= 0 || c.MaxQueueSize <= 0 || c.Workers <= 0 {
		err = multierr.Append(err, errors.New("batch_size, max_queue_size and workers must be greater than 0"))
	} else if c.BatchSize > c.MaxQueueSize {
		err = multierr.Append(err, errors.New("batch_size cannot be greater than max_queue_size"))
	}

	if c.BatchTimeout < 0 || c.ExportTimeout < 0 {
		err = multierr.Append(err, errors.New("timeouts cannot be negative"))
	}

	if _, ok := codecs[c.Compression]; c.Compression != "" && !ok {
		err = multierr.Append(err, fmt.Errorf("invalid compression type: %s", c.Compression))
	}

	return err
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}

	return v
}
