// Package api exposes counter and span emission over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pgtelemetry/internal/emitter"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
)

const maxBodyBytes = 1 << 20

// Emitter is the emission surface the handler serves.
// *emitter.Emitter satisfies it.
type Emitter interface {
	Counter(ctx context.Context, name string, value float64, labels map[string]string) error
	Span(ctx context.Context, name string, attrs map[string]string) error
}

// Mux is where routes get registered. Both *http.ServeMux and
// *export.HealthMetrics satisfy it.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Handler serves the emission API.
type Handler struct {
	log     logrus.FieldLogger
	emitter Emitter
}

// NewHandler creates a Handler.
func NewHandler(log logrus.FieldLogger, em Emitter) *Handler {
	return &Handler{
		log:     log.WithField("component", "api"),
		emitter: em,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux Mux) {
	mux.Handle("POST /v1/counters", http.HandlerFunc(h.handleCounter))
	mux.Handle("POST /v1/spans", http.HandlerFunc(h.handleSpan))
}

type counterRequest struct {
	Name   *string         `json:"name"`
	Value  *float64        `json:"value"`
	Labels json.RawMessage `json:"labels"`
}

type spanRequest struct {
	Name       *string         `json:"name"`
	Attributes json.RawMessage `json:"attributes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleCounter(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", emitter.ErrValidation, err))

		return
	}

	if req.Name == nil || *req.Name == "" {
		h.writeError(w, emitter.ErrInvalidName)

		return
	}

	if req.Value == nil {
		h.writeError(w, fmt.Errorf("%w: value is required", emitter.ErrValidation))

		return
	}

	labels, err := emitter.ParseLabels(req.Labels)
	if err != nil {
		h.writeError(w, err)

		return
	}

	ctx := emitter.WithSource(r.Context(), emitter.SourceAPI)

	if err := h.emitter.Counter(ctx, *req.Name, *req.Value, labels); err != nil {
		h.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSpan(w http.ResponseWriter, r *http.Request) {
	var req spanRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", emitter.ErrValidation, err))

		return
	}

	if req.Name == nil || *req.Name == "" {
		h.writeError(w, emitter.ErrInvalidName)

		return
	}

	attrs, err := emitter.ParseLabels(req.Attributes)
	if err != nil {
		h.writeError(w, err)

		return
	}

	ctx := emitter.WithSource(r.Context(), emitter.SourceAPI)

	if err := h.emitter.Span(ctx, *req.Name, attrs); err != nil {
		h.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}

	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, emitter.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrPipelineNotReady):
		status = http.StatusServiceUnavailable
	default:
		h.log.WithError(err).Error("Emission failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if encErr := json.NewEncoder(w).Encode(errorResponse{Error: err.Error()}); encErr != nil {
		h.log.WithError(encErr).Debug("Failed to write error response")
	}
}
