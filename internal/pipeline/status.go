// Package pipeline owns the lifecycle of the telemetry export pipeline:
// the exporter, its periodic reader, and the meter, logger and tracer
// providers built on top of them.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of the export pipeline.
type Status int32

const (
	// StatusUninitialized means Init has never succeeded.
	StatusUninitialized Status = iota
	// StatusLive means a handle is installed and accepts recordings.
	StatusLive
	// StatusCleaned means the handle was shut down, or the last Init failed.
	StatusCleaned
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusLive:
		return "live"
	case StatusCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ErrPipelineNotReady is returned when recording against a pipeline that
// is not live.
var ErrPipelineNotReady = errors.New("export pipeline not ready")

// Params are the hot-reloadable export settings a pipeline is built from.
type Params struct {
	// Endpoint is the exporter destination (host:port or URL).
	Endpoint string
	// Interval is the periodic export interval.
	Interval time.Duration
	// Timeout bounds a single export attempt.
	Timeout time.Duration
}

func (p Params) String() string {
	return fmt.Sprintf("endpoint=%s interval=%s timeout=%s", p.Endpoint, p.Interval, p.Timeout)
}
