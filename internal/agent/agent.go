package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pgtelemetry/internal/api"
	"github.com/ethpandaops/pgtelemetry/internal/collector"
	"github.com/ethpandaops/pgtelemetry/internal/emitter"
	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
	"github.com/ethpandaops/pgtelemetry/internal/reload"
	"github.com/ethpandaops/pgtelemetry/internal/supervisor"
)

// Agent is the top-level orchestrator for pgtelemetry.
type Agent interface {
	// Start initializes all components and launches the collector worker.
	Start(ctx context.Context) error
	// Stop terminates the worker and shuts down all components.
	Stop() error
	// Reload re-reads the config file. With force set, the export
	// pipeline is rebuilt even when no export setting changed.
	Reload(force bool) error
	// LogHook forwards log entries to the live pipeline's log bridge.
	LogHook() logrus.Hook
}

// Option customizes an Agent.
type Option func(a *agent)

// WithQuerierFactory replaces the PostgreSQL querier.
func WithQuerierFactory(f collector.QuerierFactory) Option {
	return func(a *agent) {
		a.querierFactory = f
	}
}

// WithPipelineFactory replaces the exporter factory built from config.
func WithPipelineFactory(f pipeline.Factory) Option {
	return func(a *agent) {
		a.factory = f
	}
}

type agent struct {
	log            logrus.FieldLogger
	cfg            *Config
	health         *export.HealthMetrics
	factory        pipeline.Factory
	manager        *pipeline.Manager
	emitter        *emitter.Emitter
	bridge         *reload.Bridge
	watcher        *reload.Watcher
	supervisor     *supervisor.Supervisor
	querierFactory collector.QuerierFactory
	plan           collector.Plan

	worker atomic.Pointer[collector.Worker]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Agent = (*agent)(nil)

// New creates a new Agent. configPath is re-read on reload; pass an empty
// path to disable reloading.
func New(log logrus.FieldLogger, cfg *Config, configPath string, opts ...Option) (Agent, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	a := &agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: health,
		plan:   cfg.CollectionPlan(),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.factory == nil {
		a.factory = pipeline.NewFactory(log, cfg.FactoryConfig(), health)
	}

	if a.querierFactory == nil {
		a.querierFactory = collector.PostgresQuerierFactory(log, cfg.Database.DSN)
	}

	a.manager = pipeline.NewManager(log, a.factory, health,
		pipeline.WithRuntimeMetrics(cfg.Telemetry.RuntimeMetrics),
	)
	a.emitter = emitter.New(log, a.manager, health, cfg.Telemetry.Enabled)
	a.bridge = reload.NewBridge(log, cfg.Settings(), a, a.emitter, health)
	a.supervisor = supervisor.New(log, cfg.SupervisorConfig(), health)

	if configPath != "" {
		a.watcher = reload.NewWatcher(log, configPath, func() (reload.Settings, error) {
			next, err := LoadConfig(configPath)
			if err != nil {
				return reload.Settings{}, err
			}

			return next.Settings(), nil
		}, a.bridge, health)
	}

	api.NewHandler(log, a.emitter).Register(health)

	return a, nil
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server, which also serves the API.
	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Watch the config file.
	if a.watcher != nil && a.cfg.WatchConfig {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
	}

	// 3. Build the export pipeline so the API works without the database.
	a.ensurePipeline(ctx)

	// 4. Launch the supervised collector worker.
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		a.supervisor.Run(ctx, a.runWorker)
	}()

	a.log.WithFields(logrus.Fields{
		"protocol": a.cfg.Telemetry.Protocol,
		"endpoint": a.cfg.Telemetry.Endpoint,
		"enabled":  a.cfg.Telemetry.Enabled,
	}).Info("Agent fully started")

	return nil
}

func (a *agent) Stop() error {
	if w := a.worker.Load(); w != nil {
		w.RequestTerminate()
	}

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()

	// The worker cleans up on terminate; this covers a worker that never
	// got as far as running.
	if err := a.manager.Cleanup(context.Background()); err != nil {
		a.log.WithError(err).Error("Error cleaning up export pipeline")
	}

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.log.WithError(err).Error("Error stopping config watcher")
		}
	}

	if err := a.health.Stop(); err != nil {
		a.log.WithError(err).Error("Error stopping health server")
	}

	return nil
}

func (a *agent) Reload(force bool) error {
	reloaded := false

	if a.watcher != nil {
		var err error

		reloaded, err = a.watcher.Reload(reload.TriggerSignal)
		if err != nil {
			return fmt.Errorf("reloading config: %w", err)
		}
	}

	if force && !reloaded {
		a.bridge.RequestReload()
	}

	return nil
}

func (a *agent) LogHook() logrus.Hook {
	return a.manager.LogHook()
}

// RequestReload forwards reload requests to the running worker.
func (a *agent) RequestReload() {
	if w := a.worker.Load(); w != nil {
		w.RequestReload()
	}
}

// runWorker is one supervised run of the collector worker. The database
// is resolved per run so a dbname change applies after a restart.
func (a *agent) runWorker(ctx context.Context) error {
	dbname := a.bridge.Snapshot().DBName

	q, err := a.querierFactory(ctx, dbname)
	if err != nil {
		// A failed worker run cleans the pipeline up on exit.
		a.ensurePipeline(ctx)

		return fmt.Errorf("opening database %q: %w", dbname, err)
	}
	defer q.Close()

	w := collector.NewWorker(a.log, a.manager, a.emitter, q, a.bridge, a.plan, a.health)

	a.worker.Store(w)
	defer a.worker.CompareAndSwap(w, nil)

	return w.Run(ctx)
}

// ensurePipeline builds the export pipeline unless it is already live.
func (a *agent) ensurePipeline(ctx context.Context) {
	if err := a.manager.Init(ctx, a.bridge.Snapshot().Params()); err != nil {
		a.log.WithError(err).Warn("Export pipeline unavailable until the next reload")
	}
}
