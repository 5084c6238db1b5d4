package models

import (
	"math"
	"time"
)

// TimestampLayout is the wire format for every timestamp exchanged between tiers
const TimestampLayout = "2006-01-02T15:04:05Z"

// NotApplicable is the sensor id used by connection-level and drone-level anomalies
const NotApplicable = "N/A"

// SensorReading represents one temperature/humidity sample produced by a sensor node
type SensorReading struct {
	SensorID    string  `json:"sensor_id"`
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"` // Celsius
	Humidity    float64 `json:"humidity"`    // Percentage 0-100
}

// Issue identifies the kind of anomaly
type Issue string

const (
	IssueTemperatureTooHigh Issue = "temperature_too_high"
	IssueTemperatureTooLow  Issue = "temperature_too_low"
	IssueHumidityTooHigh    Issue = "humidity_too_high"
	IssueHumidityTooLow     Issue = "humidity_too_low"
	IssueBatteryLevelLow    Issue = "battery_level_low"
	IssueConnectionLost     Issue = "connection_lost"
)

// Anomaly represents a threshold breach or a connection-level event.
// Duration values (connection_lost) are expressed in seconds.
type Anomaly struct {
	SensorID  string   `json:"sensor_id"`
	Issue     Issue    `json:"issue"`
	Value     float64  `json:"value"`
	Threshold *float64 `json:"threshold,omitempty"`
	Timestamp string   `json:"timestamp"`
	DroneID   string   `json:"drone_id,omitempty"`
}

// Float returns a pointer to v, for optional fields such as Anomaly.Threshold
func Float(v float64) *float64 {
	return &v
}

// FormatTimestamp renders t in the wire layout, always in UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Round1 rounds v to one decimal place
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
