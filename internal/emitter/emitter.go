// Package emitter records named counter increments and one-shot spans on
// the live export pipeline.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
)

var (
	// ErrValidation is wrapped by every input validation error.
	ErrValidation = errors.New("invalid input")
	// ErrInvalidName is returned for an empty counter or span name.
	ErrInvalidName = fmt.Errorf("%w: name cannot be empty", ErrValidation)
	// ErrNegativeValue is returned for negative, NaN or infinite values.
	ErrNegativeValue = fmt.Errorf("%w: value must be a finite non-negative number", ErrValidation)
	// ErrInvalidLabels is returned for labels that are not a non-empty
	// flat object of strings.
	ErrInvalidLabels = fmt.Errorf("%w: invalid labels", ErrValidation)
)

// Recorder runs a callback against the live pipeline handle.
// *pipeline.Manager satisfies it.
type Recorder interface {
	Record(fn func(h *pipeline.Handle) error) error
}

// Emitter validates and records counter increments.
type Emitter struct {
	log     logrus.FieldLogger
	rec     Recorder
	health  *export.HealthMetrics
	enabled atomic.Bool
}

// New creates an Emitter.
func New(
	log logrus.FieldLogger,
	rec Recorder,
	health *export.HealthMetrics,
	enabled bool,
) *Emitter {
	e := &Emitter{
		log:    log.WithField("component", "emitter"),
		rec:    rec,
		health: health,
	}

	e.enabled.Store(enabled)

	return e
}

// SetEnabled toggles emission. While disabled, valid calls return nil
// without recording anything.
func (e *Emitter) SetEnabled(enabled bool) {
	if e.enabled.Swap(enabled) != enabled {
		e.log.WithField("enabled", enabled).Info("Telemetry emission toggled")
	}
}

// Enabled reports whether emission is enabled.
func (e *Emitter) Enabled() bool {
	return e.enabled.Load()
}

// Counter adds value to the monotonic counter name with labels as its
// attribute set. Validation errors wrap ErrValidation; a pipeline that is
// not live yields pipeline.ErrPipelineNotReady.
func (e *Emitter) Counter(
	ctx context.Context,
	name string,
	value float64,
	labels map[string]string,
) error {
	source := SourceFromContext(ctx)

	if name == "" {
		e.reject("invalid_name")

		return ErrInvalidName
	}

	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		e.reject("negative_value")

		return ErrNegativeValue
	}

	if !e.enabled.Load() {
		return nil
	}

	set := attribute.NewSet(toAttributes(labels)...)

	err := e.rec.Record(func(h *pipeline.Handle) error {
		counter, err := h.Float64Counter(name)
		if err != nil {
			return err
		}

		counter.Add(ctx, value, metric.WithAttributeSet(set))

		return nil
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrPipelineNotReady) {
			e.reject("not_ready")

			return err
		}

		e.reject("instrument")

		return fmt.Errorf("recording counter %q: %w", name, err)
	}

	if e.health != nil {
		e.health.CountersEmitted.WithLabelValues(source).Inc()
	}

	return nil
}

// Span emits a single zero-length span named name with attrs.
func (e *Emitter) Span(ctx context.Context, name string, attrs map[string]string) error {
	if name == "" {
		return ErrInvalidName
	}

	if !e.enabled.Load() {
		return nil
	}

	err := e.rec.Record(func(h *pipeline.Handle) error {
		_, span := h.Tracer().Start(ctx, name,
			trace.WithAttributes(toAttributes(attrs)...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		span.End()

		return nil
	})
	if err != nil {
		return err
	}

	if e.health != nil {
		e.health.SpansEmitted.Inc()
	}

	return nil
}

func (e *Emitter) reject(reason string) {
	if e.health != nil {
		e.health.CountersRejected.WithLabelValues(reason).Inc()
	}
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	return attrs
}
