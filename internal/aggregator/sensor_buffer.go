package aggregator

import (
	"log"
	"sort"
	"sync"

	"drone-telemetry/internal/metrics"
	"drone-telemetry/internal/models"
)

// Thresholds defines the limits a reading is checked against
type Thresholds struct {
	TemperatureHigh float64 // Celsius
	TemperatureLow  float64 // Celsius
	HumidityHigh    float64 // Percentage
	HumidityLow     float64 // Percentage
}

// Config holds aggregator configuration
type Config struct {
	WindowSize  int
	HistorySize int
	Thresholds  Thresholds
}

// DefaultConfig returns the default aggregator configuration
func DefaultConfig() Config {
	return Config{
		WindowSize:  10,
		HistorySize: 10,
		Thresholds: Thresholds{
			TemperatureHigh: 30.0,
			TemperatureLow:  10.0,
			HumidityHigh:    80.0,
			HumidityLow:     20.0,
		},
	}
}

// sensorWindow holds the most recent readings of one sensor. consumed counts
// how many of them were already included in a previous average.
type sensorWindow struct {
	readings []models.SensorReading
	consumed int
}

// EdgeAggregator windows raw sensor readings and detects threshold anomalies
type EdgeAggregator struct {
	config Config

	mu        sync.Mutex
	windows   map[string]*sensorWindow
	anomalies []models.Anomaly

	onAnomaly func(models.Anomaly)
}

// NewEdgeAggregator creates a new edge aggregator
func NewEdgeAggregator(config Config) *EdgeAggregator {
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultConfig().WindowSize
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	return &EdgeAggregator{
		config:  config,
		windows: make(map[string]*sensorWindow),
	}
}

// SetAnomalyCallback sets a function called for every newly recorded anomaly
func (ea *EdgeAggregator) SetAnomalyCallback(callback func(models.Anomaly)) {
	ea.mu.Lock()
	ea.onAnomaly = callback
	ea.mu.Unlock()
}

// getOrCreateWindow must be called with ea.mu held
func (ea *EdgeAggregator) getOrCreateWindow(sensorID string) *sensorWindow {
	if w, exists := ea.windows[sensorID]; exists {
		return w
	}
	w := &sensorWindow{readings: make([]models.SensorReading, 0, ea.config.WindowSize)}
	ea.windows[sensorID] = w
	return w
}

// UpdateReadings appends reading to its sensor's window and checks it against
// the thresholds. It returns the detected anomaly, if any, and whether that
// anomaly was new to the history.
func (ea *EdgeAggregator) UpdateReadings(reading models.SensorReading) (models.Anomaly, bool) {
	ea.mu.Lock()

	w := ea.getOrCreateWindow(reading.SensorID)
	w.readings = append(w.readings, reading)
	if excess := len(w.readings) - ea.config.WindowSize; excess > 0 {
		w.readings = append(w.readings[:0:0], w.readings[excess:]...)
		w.consumed -= excess
		if w.consumed < 0 {
			w.consumed = 0
		}
	}

	anomaly, found := ea.Detect(reading)
	if !found {
		ea.mu.Unlock()
		return anomaly, false
	}
	recorded := ea.recordLocked(anomaly)
	callback := ea.onAnomaly
	ea.mu.Unlock()

	if recorded {
		log.Printf("EdgeAggregator: %s on %s (value=%.1f, threshold=%.1f)",
			anomaly.Issue, anomaly.SensorID, anomaly.Value, *anomaly.Threshold)
		if callback != nil {
			callback(anomaly)
		}
	}
	return anomaly, recorded
}

// Detect checks reading against the thresholds in priority order
// (temperature high, temperature low, humidity high, humidity low) and
// returns only the first breach.
func (ea *EdgeAggregator) Detect(reading models.SensorReading) (models.Anomaly, bool) {
	t := ea.config.Thresholds

	var issue models.Issue
	var value, limit float64
	switch {
	case reading.Temperature > t.TemperatureHigh:
		issue, value, limit = models.IssueTemperatureTooHigh, reading.Temperature, t.TemperatureHigh
	case reading.Temperature < t.TemperatureLow:
		issue, value, limit = models.IssueTemperatureTooLow, reading.Temperature, t.TemperatureLow
	case reading.Humidity > t.HumidityHigh:
		issue, value, limit = models.IssueHumidityTooHigh, reading.Humidity, t.HumidityHigh
	case reading.Humidity < t.HumidityLow:
		issue, value, limit = models.IssueHumidityTooLow, reading.Humidity, t.HumidityLow
	default:
		return models.Anomaly{}, false
	}

	return models.Anomaly{
		SensorID:  reading.SensorID,
		Issue:     issue,
		Value:     value,
		Threshold: models.Float(limit),
		Timestamp: reading.Timestamp,
	}, true
}

// RecordAnomaly adds an anomaly raised outside threshold detection, such as a
// lost sensor connection or a low battery. It reports whether it was new.
func (ea *EdgeAggregator) RecordAnomaly(anomaly models.Anomaly) bool {
	ea.mu.Lock()
	recorded := ea.recordLocked(anomaly)
	callback := ea.onAnomaly
	ea.mu.Unlock()

	if recorded && callback != nil {
		callback(anomaly)
	}
	return recorded
}

// ForgetAnomalies removes every history entry for (sensorID, issue) so the
// next occurrence is recorded even with the same value. It returns how many
// entries were removed.
func (ea *EdgeAggregator) ForgetAnomalies(sensorID string, issue models.Issue) int {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	kept := ea.anomalies[:0:0]
	for _, a := range ea.anomalies {
		if a.SensorID != sensorID || a.Issue != issue {
			kept = append(kept, a)
		}
	}
	removed := len(ea.anomalies) - len(kept)
	ea.anomalies = kept
	return removed
}

// recordLocked appends anomaly unless the history already holds the same
// sensor, issue and value. Timestamps are ignored: a stuck sensor produces a
// fresh timestamp with every reading.
func (ea *EdgeAggregator) recordLocked(anomaly models.Anomaly) bool {
	for _, existing := range ea.anomalies {
		if existing.SensorID == anomaly.SensorID &&
			existing.Issue == anomaly.Issue &&
			existing.Value == anomaly.Value {
			return false
		}
	}

	ea.anomalies = append(ea.anomalies, anomaly)
	if excess := len(ea.anomalies) - ea.config.HistorySize; excess > 0 {
		ea.anomalies = append(ea.anomalies[:0:0], ea.anomalies[excess:]...)
	}
	metrics.AnomaliesDetected.WithLabelValues(string(anomaly.Issue)).Inc()
	return true
}

// ComputeAverages returns the mean temperature and humidity over the readings
// added since the previous call, across all sensors. It returns 0, 0 when
// nothing new has arrived.
func (ea *EdgeAggregator) ComputeAverages() (float64, float64) {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	var tempSum, humiditySum float64
	count := 0
	for _, w := range ea.windows {
		for _, r := range w.readings[w.consumed:] {
			tempSum += r.Temperature
			humiditySum += r.Humidity
			count++
		}
		w.consumed = len(w.readings)
	}

	if count == 0 {
		return 0, 0
	}
	return tempSum / float64(count), humiditySum / float64(count)
}

// WindowAverages returns the mean temperature and humidity over every
// reading currently held, without advancing the uplink cursor.
func (ea *EdgeAggregator) WindowAverages() (float64, float64) {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	var tempSum, humiditySum float64
	count := 0
	for _, w := range ea.windows {
		for _, r := range w.readings {
			tempSum += r.Temperature
			humiditySum += r.Humidity
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return tempSum / float64(count), humiditySum / float64(count)
}

// Anomalies returns a copy of the anomaly history, oldest first
func (ea *EdgeAggregator) Anomalies() []models.Anomaly {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	out := make([]models.Anomaly, len(ea.anomalies))
	copy(out, ea.anomalies)
	return out
}

// Readings returns a copy of every sensor window
func (ea *EdgeAggregator) Readings() map[string][]models.SensorReading {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	out := make(map[string][]models.SensorReading, len(ea.windows))
	for id, w := range ea.windows {
		out[id] = append([]models.SensorReading(nil), w.readings...)
	}
	return out
}

// Sensors returns the ids of all sensors seen so far, sorted
func (ea *EdgeAggregator) Sensors() []string {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	ids := make([]string, 0, len(ea.windows))
	for id := range ea.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
