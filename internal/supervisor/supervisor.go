// Package supervisor restarts a long-running task after it fails.
package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pgtelemetry/internal/export"
)

const defaultRestartDelay = 10 * time.Second

// Config configures restart behaviour.
type Config struct {
	// RestartDelay is the wait between a failed run and the next one.
	// Defaults to 10s.
	RestartDelay time.Duration
	// MaxRestartDelay enables exponential backoff up to this delay when
	// larger than RestartDelay. A run that lasts at least this long resets
	// the backoff. Defaults to 0 (constant delay).
	MaxRestartDelay time.Duration
}

// Task is a unit of work run under supervision. Returning nil means the
// task finished and must not be restarted.
type Task func(ctx context.Context) error

// Supervisor reruns a Task until it returns nil or its context ends.
type Supervisor struct {
	log    logrus.FieldLogger
	cfg    Config
	health *export.HealthMetrics
}

// New creates a Supervisor.
func New(log logrus.FieldLogger, cfg Config, health *export.HealthMetrics) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}

	return &Supervisor{
		log:    log.WithField("component", "supervisor"),
		cfg:    cfg,
		health: health,
	}
}

// Run executes task, restarting it after each failure. It returns when
// the task completes cleanly or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, task Task) {
	b := s.backOff()
	attempt := 0

	for {
		started := time.Now()

		err := task(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		delay, reset := s.nextDelay(b, time.Since(started))
		if reset {
			attempt = 0
		}

		attempt++

		s.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Error("Task failed, restarting")

		if s.health != nil {
			s.health.WorkerRestarts.Inc()
		}

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}
	}
}

// nextDelay returns the wait before the next run. A run that stayed up
// for the whole backoff ceiling starts the backoff over.
func (s *Supervisor) nextDelay(b backoff.BackOff, ran time.Duration) (time.Duration, bool) {
	reset := ran >= max(s.cfg.MaxRestartDelay, s.cfg.RestartDelay)
	if reset {
		b.Reset()
	}

	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = s.cfg.RestartDelay
	}

	return delay, reset
}

func (s *Supervisor) backOff() backoff.BackOff {
	if s.cfg.MaxRestartDelay <= s.cfg.RestartDelay {
		return backoff.NewConstantBackOff(s.cfg.RestartDelay)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.RestartDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         s.cfg.MaxRestartDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	return b
}
