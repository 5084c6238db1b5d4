// Package liveness evicts connections that have gone quiet and reports the
// nodes behind them as lost.
package liveness

import (
	"context"
	"log"
	"time"

	"drone-telemetry/internal/ingest"
	"drone-telemetry/internal/models"
)

// Tracker owns the externally visible status of logical nodes
type Tracker interface {
	// MarkDisconnected flags logicalID as disconnected. It returns false if it already was.
	MarkDisconnected(logicalID string) bool

	// ConnectionLost receives the anomaly synthesized for a lost node
	ConnectionLost(logicalID string, anomaly models.Anomaly)
}

// Config holds monitor configuration
type Config struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		Timeout:  45 * time.Second,
		Interval: 15 * time.Second,
	}
}

// Monitor periodically sweeps a registry for idle connections
type Monitor struct {
	config   Config
	registry *ingest.Registry
	tracker  Tracker
	now      func() time.Time
}

// NewMonitor creates a monitor for registry reporting to tracker
func NewMonitor(config Config, registry *ingest.Registry, tracker Tracker) *Monitor {
	return &Monitor{
		config:   config,
		registry: registry,
		tracker:  tracker,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for anomaly timestamps
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Sweep evicts idle connections once and returns the connection_lost
// anomalies it emitted. A node still connected under another address, or
// already marked disconnected, produces no anomaly.
func (m *Monitor) Sweep() []models.Anomaly {
	var lost []models.Anomaly
	for _, ev := range m.registry.Sweep(m.config.Timeout) {
		log.Printf("LivenessMonitor[%s]: evicted idle connection %s (id=%q, last active %s)",
			m.registry.Tier(), ev.RemoteAddr, ev.LogicalID, ev.LastActive.Format(time.RFC3339))

		if ev.LogicalID == "" || ev.StillConnected {
			continue
		}
		if !m.tracker.MarkDisconnected(ev.LogicalID) {
			continue
		}

		seconds := m.config.Timeout.Seconds()
		anomaly := models.Anomaly{
			SensorID:  models.NotApplicable,
			Issue:     models.IssueConnectionLost,
			Value:     seconds,
			Threshold: models.Float(seconds),
			Timestamp: models.FormatTimestamp(m.now()),
		}
		m.tracker.ConnectionLost(ev.LogicalID, anomaly)
		lost = append(lost, anomaly)
	}
	return lost
}

// Run sweeps every Interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("LivenessMonitor[%s]: started (timeout=%v, interval=%v)", m.registry.Tier(), m.config.Timeout, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
