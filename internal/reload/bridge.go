// Package reload turns configuration changes into settings snapshot
// updates and pipeline reload requests.
package reload

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pgtelemetry/internal/export"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
)

// Settings is the hot-reloadable configuration snapshot.
type Settings struct {
	Enabled  bool
	Endpoint string
	Interval time.Duration
	Timeout  time.Duration
	IdleTime time.Duration
	DBName   string
}

// Params returns the export pipeline parameters.
func (s Settings) Params() pipeline.Params {
	return pipeline.Params{
		Endpoint: s.Endpoint,
		Interval: s.Interval,
		Timeout:  s.Timeout,
	}
}

// Requester receives pipeline reload requests.
type Requester interface {
	RequestReload()
}

// EnabledSetter is told when the enabled flag changes.
type EnabledSetter interface {
	SetEnabled(enabled bool)
}

// Bridge holds the current Settings and exposes one hook per setting.
// Hooks for export settings request a reload; none of them touches the
// pipeline directly.
type Bridge struct {
	log       logrus.FieldLogger
	requester Requester
	enabled   EnabledSetter
	health    *export.HealthMetrics

	mu       sync.RWMutex
	settings Settings
}

// NewBridge creates a Bridge seeded with initial. requester and enabled
// may be nil.
func NewBridge(
	log logrus.FieldLogger,
	initial Settings,
	requester Requester,
	enabled EnabledSetter,
	health *export.HealthMetrics,
) *Bridge {
	return &Bridge{
		log:       log.WithField("component", "reload"),
		requester: requester,
		enabled:   enabled,
		health:    health,
		settings:  initial,
	}
}

// Snapshot returns a copy of the current settings.
func (b *Bridge) Snapshot() Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.settings
}

// OnEnabledChanged records the enabled flag and forwards it.
func (b *Bridge) OnEnabledChanged(v bool) {
	b.update(func(s *Settings) { s.Enabled = v })

	if b.enabled != nil {
		b.enabled.SetEnabled(v)
	}
}

// OnEndpointChanged records the endpoint and requests a reload.
func (b *Bridge) OnEndpointChanged(v string) {
	b.update(func(s *Settings) { s.Endpoint = v })
	b.requestReload("endpoint")
}

// OnIntervalChanged records the export interval and requests a reload.
func (b *Bridge) OnIntervalChanged(v time.Duration) {
	b.update(func(s *Settings) { s.Interval = v })
	b.requestReload("interval")
}

// OnTimeoutChanged records the export timeout and requests a reload.
func (b *Bridge) OnTimeoutChanged(v time.Duration) {
	b.update(func(s *Settings) { s.Timeout = v })
	b.requestReload("timeout")
}

// OnIdleTimeChanged records the worker idle time. The worker picks it up
// on its next wait.
func (b *Bridge) OnIdleTimeChanged(v time.Duration) {
	b.update(func(s *Settings) { s.IdleTime = v })
}

// OnDBNameChanged records the database name. It applies the next time
// the worker starts.
func (b *Bridge) OnDBNameChanged(v string) {
	b.update(func(s *Settings) { s.DBName = v })

	b.log.WithField("dbname", v).
		Warn("Database name changed; takes effect when the collector worker restarts")
}

// Apply diffs next against the current snapshot and fires the hook of
// every changed setting. It reports whether a reload was requested.
func (b *Bridge) Apply(next Settings) bool {
	cur := b.Snapshot()
	reloaded := false

	if next.Enabled != cur.Enabled {
		b.OnEnabledChanged(next.Enabled)
	}

	if next.Endpoint != cur.Endpoint {
		b.OnEndpointChanged(next.Endpoint)

		reloaded = true
	}

	if next.Interval != cur.Interval {
		b.OnIntervalChanged(next.Interval)

		reloaded = true
	}

	if next.Timeout != cur.Timeout {
		b.OnTimeoutChanged(next.Timeout)

		reloaded = true
	}

	if next.IdleTime != cur.IdleTime {
		b.OnIdleTimeChanged(next.IdleTime)
	}

	if next.DBName != cur.DBName {
		b.OnDBNameChanged(next.DBName)
	}

	return reloaded
}

// RequestReload forwards an unconditional reload request.
func (b *Bridge) RequestReload() {
	b.requestReload("forced")
}

func (b *Bridge) update(fn func(s *Settings)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn(&b.settings)
}

func (b *Bridge) requestReload(reason string) {
	b.log.WithField("reason", reason).Info("Requesting export pipeline reload")

	if b.requester != nil {
		b.requester.RequestReload()
	}
}
