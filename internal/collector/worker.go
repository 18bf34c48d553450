// Package collector runs the background worker that periodically queries
// PostgreSQL statistics and emits them as counters.
package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pgtelemetry/internal/emitter"
	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
	"github.com/ethpandaops/pgtelemetry/internal/reload"
)

const defaultIdleTime = 100 * time.Millisecond

// ErrCollectionFailed is matched by every CollectionError.
var ErrCollectionFailed = errors.New("collection failed")

// CollectionError is returned by Run when the collection query fails.
// It is fatal for the worker run.
type CollectionError struct {
	Err error
}

func (e *CollectionError) Error() string {
	return "collection failed: " + e.Err.Error()
}

func (e *CollectionError) Unwrap() []error {
	return []error{ErrCollectionFailed, e.Err}
}

// Pipeline is the lifecycle surface the worker drives.
type Pipeline interface {
	Init(ctx context.Context, p pipeline.Params) error
	Cleanup(ctx context.Context) error
	Restart(ctx context.Context, p pipeline.Params) error
}

// CounterEmitter records counter increments.
type CounterEmitter interface {
	Counter(ctx context.Context, name string, value float64, labels map[string]string) error
	Enabled() bool
}

// SettingsSource provides the current configuration snapshot.
type SettingsSource interface {
	Snapshot() reload.Settings
}

// Worker is the collector state machine. Reload and terminate requests
// only set flags and wake the loop; every pipeline lifecycle call happens
// on the goroutine running Run.
type Worker struct {
	log      logrus.FieldLogger
	pipe     Pipeline
	emitter  CounterEmitter
	querier  Querier
	settings SettingsSource
	plan     Plan
	health   *export.HealthMetrics

	phase     atomic.Int32
	terminate atomic.Bool
	reload    atomic.Bool
	wake      chan struct{}
}

// NewWorker creates a Worker in PhaseStarting.
func NewWorker(
	log logrus.FieldLogger,
	pipe Pipeline,
	em CounterEmitter,
	querier Querier,
	settings SettingsSource,
	plan Plan,
	health *export.HealthMetrics,
) *Worker {
	return &Worker{
		log:      log.WithField("component", "collector"),
		pipe:     pipe,
		emitter:  em,
		querier:  querier,
		settings: settings,
		plan:     plan,
		health:   health,
		wake:     make(chan struct{}, 1),
	}
}

// Phase returns the current phase.
func (w *Worker) Phase() Phase {
	return Phase(w.phase.Load())
}

// RequestTerminate asks the worker to clean up and stop. Safe to call
// from any goroutine.
func (w *Worker) RequestTerminate() {
	w.terminate.Store(true)
	w.signal()
}

// RequestReload asks the worker to rebuild the pipeline from the current
// settings snapshot. Requests made before the worker gets to them
// coalesce into one restart.
func (w *Worker) RequestReload() {
	w.reload.Store(true)
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the worker until terminated or a collection fails. A clean
// stop returns nil; a failed collection returns a *CollectionError.
// Cancelling ctx is treated as a terminate request.
func (w *Worker) Run(ctx context.Context) error {
	w.setPhase(PhaseStarting)

	settings := w.settings.Snapshot()

	if err := w.pipe.Init(ctx, settings.Params()); err != nil {
		w.log.WithError(err).Warn("Export pipeline unavailable until the next reload")
	}

	w.setPhase(PhaseIdle)

	w.log.WithFields(logrus.Fields{
		"endpoint":  settings.Endpoint,
		"idle_time": settings.IdleTime,
		"enabled":   settings.Enabled,
	}).Info("Collector worker started")

	timer := time.NewTimer(idleTime(settings))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.terminate.Store(true)
		case <-w.wake:
		case <-timer.C:
		}

		if w.terminate.Load() {
			return w.stop(ctx, nil)
		}

		if w.reload.Swap(false) {
			w.restartPipeline(ctx)
		} else if err := w.collect(ctx); err != nil {
			if ctx.Err() != nil {
				return w.stop(ctx, nil)
			}

			return w.stop(ctx, err)
		}

		timer.Reset(idleTime(w.settings.Snapshot()))
	}
}

func (w *Worker) restartPipeline(ctx context.Context) {
	w.setPhase(PhaseReloading)
	defer w.setPhase(PhaseIdle)

	settings := w.settings.Snapshot()

	if err := w.pipe.Restart(ctx, settings.Params()); err != nil {
		w.log.WithError(err).Warn("Export pipeline restart failed")

		return
	}

	w.log.WithField("endpoint", settings.Endpoint).Info("Export pipeline reloaded")
}

func (w *Worker) collect(ctx context.Context) error {
	if !w.emitter.Enabled() {
		return nil
	}

	w.setPhase(PhaseCollecting)
	defer w.setPhase(PhaseIdle)

	start := time.Now()

	rows, err := w.querier.Query(ctx, w.plan.Query)

	if w.health != nil {
		w.health.Collections.Inc()
		w.health.CollectionDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if w.health != nil {
			w.health.CollectionErrors.Inc()
		}

		return &CollectionError{Err: err}
	}

	if w.health != nil {
		w.health.RowsCollected.Add(float64(len(rows)))
	}

	ctx = emitter.WithSource(ctx, emitter.SourceWorker)

	var emitted, skipped int

	for _, o := range w.plan.Evaluate(rows) {
		if err := w.emitter.Counter(ctx, o.Name, o.Value, o.Labels); err != nil {
			skipped++

			if !errors.Is(err, pipeline.ErrPipelineNotReady) {
				w.log.WithError(err).WithField("counter", o.Name).Warn("Failed to emit counter")
			}

			continue
		}

		emitted++
	}

	w.log.WithFields(logrus.Fields{
		"rows":     len(rows),
		"emitted":  emitted,
		"skipped":  skipped,
		"duration": time.Since(start),
	}).Debug("Collection cycle complete")

	return nil
}

func (w *Worker) stop(ctx context.Context, cause error) error {
	w.setPhase(PhaseTerminating)

	if err := w.pipe.Cleanup(ctx); err != nil {
		w.log.WithError(err).Warn("Export pipeline cleanup failed")
	}

	w.setPhase(PhaseStopped)

	if cause != nil {
		w.log.WithError(cause).Error("Collector worker stopped after fatal error")

		return cause
	}

	w.log.Info("Collector worker stopped")

	return nil
}

func (w *Worker) setPhase(p Phase) {
	prev := Phase(w.phase.Swap(int32(p)))

	if w.health != nil && prev != p {
		w.health.WorkerPhase.WithLabelValues(prev.String()).Set(0)
		w.health.WorkerPhase.WithLabelValues(p.String()).Set(1)
	}
}

func idleTime(s reload.Settings) time.Duration {
	if s.IdleTime <= 0 {
		return defaultIdleTime
	}

	return s.IdleTime
}
