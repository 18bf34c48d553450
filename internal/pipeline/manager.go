package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/bridges/otellogrus"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/version"
)

// Manager owns the single export pipeline of the process. Init, Cleanup
// and Restart are serialized against each other. Recordings take a read
// lock that is never held across exporter I/O: handles are detached under
// the write lock and shut down after it is released.
type Manager struct {
	log            logrus.FieldLogger
	factory        Factory
	health         *export.HealthMetrics
	resource       *resource.Resource
	runtimeMetrics bool

	lifecycle sync.Mutex

	mu     sync.RWMutex
	status Status
	handle *Handle

	hook atomic.Pointer[otellogrus.Hook]
}

// Option configures a Manager.
type Option func(*Manager)

// WithRuntimeMetrics registers Go runtime metrics on every pipeline built.
func WithRuntimeMetrics(enabled bool) Option {
	return func(m *Manager) {
		m.runtimeMetrics = enabled
	}
}

// WithResource overrides the resource attached to exported telemetry.
func WithResource(res *resource.Resource) Option {
	return func(m *Manager) {
		m.resource = res
	}
}

// NewManager creates a Manager in StatusUninitialized.
func NewManager(
	log logrus.FieldLogger,
	factory Factory,
	health *export.HealthMetrics,
	opts ...Option,
) *Manager {
	m := &Manager{
		log:     log.WithField("component", "pipeline"),
		factory: factory,
		health:  health,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.resource == nil {
		m.resource = defaultResource()
	}

	return m
}

func defaultResource() *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(version.ServiceName),
		semconv.ServiceVersion(version.Release),
		semconv.ServiceInstanceID(uuid.NewString()),
	}

	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.status
}

// Params returns the settings of the live pipeline.
func (m *Manager) Params() (Params, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.status != StatusLive {
		return Params{}, false
	}

	return m.handle.params, true
}

// Init builds and installs a pipeline. It is a no-op when a pipeline is
// already live. A construction failure leaves the manager in
// StatusCleaned and is returned to the caller.
func (m *Manager) Init(ctx context.Context, p Params) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	return m.initLocked(ctx, p)
}

// Cleanup detaches the live pipeline and shuts it down, flushing any
// pending data. It is a no-op unless the pipeline is live.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	return m.cleanupLocked(ctx)
}

// Restart replaces the pipeline with one built from p. Recordings made
// between the two steps fail with ErrPipelineNotReady.
func (m *Manager) Restart(ctx context.Context, p Params) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.health != nil {
		m.health.PipelineRestarts.Inc()
	}

	if err := m.cleanupLocked(ctx); err != nil {
		m.log.WithError(err).Warn("Previous export pipeline did not shut down cleanly")
	}

	return m.initLocked(ctx, p)
}

// Record runs fn against the live handle while holding the read lock.
func (m *Manager) Record(fn func(h *Handle) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.status != StatusLive {
		return ErrPipelineNotReady
	}

	return fn(m.handle)
}

func (m *Manager) initLocked(ctx context.Context, p Params) error {
	if m.Status() == StatusLive {
		m.log.Debug("Export pipeline already live, ignoring init")

		return nil
	}

	h, err := m.build(ctx, p)
	if err != nil {
		m.mu.Lock()
		m.status = StatusCleaned
		m.mu.Unlock()

		if m.health != nil {
			m.health.PipelineInitFailures.Inc()
		}

		m.log.WithError(err).WithField("endpoint", p.Endpoint).
			Error("Failed to build export pipeline")

		return fmt.Errorf("building export pipeline: %w", err)
	}

	m.mu.Lock()
	m.handle = h
	m.status = StatusLive
	m.mu.Unlock()

	if h.logHook != nil {
		m.hook.Store(h.logHook)
	}

	if m.health != nil {
		m.health.PipelineLive.Set(1)
	}

	m.log.WithFields(logrus.Fields{
		"endpoint": p.Endpoint,
		"interval": p.Interval,
		"timeout":  p.Timeout,
	}).Info("Export pipeline live")

	return nil
}

func (m *Manager) build(ctx context.Context, p Params) (*Handle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c, err := m.factory.Build(ctx, p)
	if err != nil {
		return nil, err
	}

	if c == nil || c.Reader == nil {
		return nil, errors.New("factory returned no metric reader")
	}

	h := newHandle(p, c, m.resource)

	if m.runtimeMetrics {
		if err := runtime.Start(runtime.WithMeterProvider(h.meters)); err != nil {
			m.log.WithError(err).Warn("Failed to register runtime metrics")
		}
	}

	return h, nil
}

func (m *Manager) cleanupLocked(ctx context.Context) error {
	m.mu.Lock()

	h := m.handle
	if m.status != StatusLive || h == nil {
		m.mu.Unlock()

		return nil
	}

	m.handle = nil
	m.status = StatusCleaned
	m.mu.Unlock()

	m.hook.Store(nil)

	if m.health != nil {
		m.health.PipelineLive.Set(0)
	}

	// Shutdown must run to completion even when the caller is stopping.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(h.params))
	defer cancel()

	if err := h.shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down export pipeline: %w", err)
	}

	m.log.WithField("endpoint", h.params.Endpoint).Info("Export pipeline cleaned up")

	return nil
}

func shutdownTimeout(p Params) time.Duration {
	return max(2*p.Timeout, time.Second)
}

// Validate checks that p can be used to build a pipeline.
func (p Params) Validate() error {
	if p.Endpoint == "" {
		return errors.New("endpoint is required")
	}

	if p.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	if p.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	return nil
}
