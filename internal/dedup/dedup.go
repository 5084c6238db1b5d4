// Package dedup suppresses anomalies the central tier has already forwarded.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"drone-telemetry/internal/metrics"
	"drone-telemetry/internal/models"
)

// Defaults for NewDeduplicator
const (
	DefaultKeysPerDrone = 4096
	DefaultHistorySize  = 1000
)

type key struct {
	sensorID string
	issue    models.Issue
}

// Deduplicator remembers, per drone, the last value forwarded for each
// (sensor, issue) pair. Only new keys or changed values pass through.
type Deduplicator struct {
	keysPerDrone int
	historySize  int

	mu      sync.Mutex
	drones  map[string]*lru.Cache
	history []models.Anomaly
}

// NewDeduplicator creates a deduplicator. keysPerDrone bounds the key table of
// each drone, least recently seen keys are forgotten first.
func NewDeduplicator(keysPerDrone, historySize int) *Deduplicator {
	if keysPerDrone <= 0 {
		keysPerDrone = DefaultKeysPerDrone
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Deduplicator{
		keysPerDrone: keysPerDrone,
		historySize:  historySize,
		drones:       make(map[string]*lru.Cache),
	}
}

// Filter returns the anomalies from droneID that should be forwarded, tagged
// with the drone id, and appends them to the history.
func (d *Deduplicator) Filter(droneID string, anomalies []models.Anomaly) []models.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := d.tableLocked(droneID)

	var fresh []models.Anomaly
	for _, a := range anomalies {
		k := key{sensorID: a.SensorID, issue: a.Issue}
		if last, ok := seen.Get(k); ok && last.(float64) == a.Value {
			continue
		}
		seen.Add(k, a.Value)

		a.DroneID = droneID
		fresh = append(fresh, a)
		metrics.AnomaliesForwarded.WithLabelValues(string(a.Issue)).Inc()
	}

	if len(fresh) > 0 {
		d.history = append(d.history, fresh...)
		if excess := len(d.history) - d.historySize; excess > 0 {
			d.history = append(d.history[:0:0], d.history[excess:]...)
		}
	}
	return fresh
}

// Forget drops the remembered value for one key so its next occurrence is forwarded
func (d *Deduplicator) Forget(droneID, sensorID string, issue models.Issue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen, ok := d.drones[droneID]
	if !ok {
		return false
	}
	return seen.Remove(key{sensorID: sensorID, issue: issue})
}

// ForgetAbsent drops the remembered keys of issue for droneID whose sensor
// is not among present. A condition that cleared and later comes back with
// the same value is then forwarded again.
func (d *Deduplicator) ForgetAbsent(droneID string, issue models.Issue, present []models.Anomaly) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen, ok := d.drones[droneID]
	if !ok {
		return 0
	}
	still := make(map[string]bool)
	for _, a := range present {
		if a.Issue == issue {
			still[a.SensorID] = true
		}
	}

	forgotten := 0
	for _, k := range seen.Keys() {
		k := k.(key)
		if k.issue == issue && !still[k.sensorID] {
			seen.Remove(k)
			forgotten++
		}
	}
	return forgotten
}

// History returns a copy of the forwarded anomalies, oldest first
func (d *Deduplicator) History() []models.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.Anomaly, len(d.history))
	copy(out, d.history)
	return out
}

func (d *Deduplicator) tableLocked(droneID string) *lru.Cache {
	if seen, ok := d.drones[droneID]; ok {
		return seen
	}
	// lru.New only fails for a non-positive size, which the constructor rules out
	seen, _ := lru.New(d.keysPerDrone)
	d.drones[droneID] = seen
	return seen
}
