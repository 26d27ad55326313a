// Package liveness probes every registered connection on a fixed period and
// evicts the ones that stopped answering.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/flowbus/internal/registry"
	"github.com/ramiqadoumi/flowbus/pkg/telemetry"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultThreshold = 60 * time.Second

	// CloseGoingAway is the WebSocket close code sent on eviction.
	CloseGoingAway = 1001
	evictReason    = "heartbeat timeout"
)

// Registry is the slice of the connection registry the monitor uses.
type Registry interface {
	Snapshot(pred func(registry.Connection) bool) []registry.Connection
	Deregister(id string) bool
}

// Monitor is the liveness ticker.
type Monitor struct {
	reg       Registry
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option   { return func(m *Monitor) { m.interval = d } }
func WithThreshold(d time.Duration) Option  { return func(m *Monitor) { m.threshold = d } }
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(m *Monitor) { m.logger = l } }

// New creates a Monitor over reg.
func New(reg Registry, opts ...Option) *Monitor {
	m := &Monitor{
		reg:       reg,
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.threshold <= 0 {
		m.threshold = DefaultThreshold
	}
	return m
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("threshold", m.threshold),
	)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Sweep evicts connections silent for longer than the threshold and pings
// the rest. A failed ping is only logged; the connection is evicted by a
// later sweep once its silence exceeds the threshold. It returns the number
// of evicted connections.
func (m *Monitor) Sweep(now time.Time) int {
	evicted := 0
	for _, c := range m.reg.Snapshot(nil) {
		if now.Sub(c.LastSeen) > m.threshold {
			if m.evict(c, now) {
				evicted++
			}
			continue
		}
		if c.Handle == nil {
			continue
		}
		if err := c.Handle.Ping(); err != nil {
			telemetry.LivenessPingFailures.Inc()
			m.logger.Debug("heartbeat ping failed",
				slog.String("conn_id", c.ID),
				slog.String("user_id", c.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
	return evicted
}

func (m *Monitor) evict(c registry.Connection, now time.Time) bool {
	// The connection may have closed on its own between snapshot and now.
	if !m.reg.Deregister(c.ID) {
		return false
	}
	telemetry.LivenessEvictions.Inc()
	m.logger.Info("evicting dead connection",
		slog.String("conn_id", c.ID),
		slog.String("user_id", c.UserID),
		slog.Duration("silent_for", now.Sub(c.LastSeen)),
	)
	if c.Handle != nil {
		if err := c.Handle.Close(CloseGoingAway, evictReason); err != nil {
			m.logger.Debug("close evicted connection",
				slog.String("conn_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}
