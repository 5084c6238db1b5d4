package services

import (
	"drone-telemetry/internal/models"
)

// DroneSnapshot is the read-only view served on the drone's /status endpoint
type DroneSnapshot struct {
	DroneID            string                  `json:"drone_id"`
	Status             models.DroneStatus      `json:"status"`
	BatteryLevel       float64                 `json:"battery_level"`
	BatteryThreshold   float64                 `json:"battery_threshold"`
	Progress           float64                 `json:"progress"`
	StreamActive       bool                    `json:"stream_active"`
	AverageTemperature float64                 `json:"average_temperature"`
	AverageHumidity    float64                 `json:"average_humidity"`
	Sensors            []string                `json:"sensors"`
	Anomalies          []models.Anomaly        `json:"anomalies"`
	Connections        []models.ConnectionInfo `json:"connections"`
}

// CentralSnapshot is the read-only view served on the collector's /status endpoint
type CentralSnapshot struct {
	Drones      []models.DroneState     `json:"drones"`
	Connections []models.ConnectionInfo `json:"connections"`
	Anomalies   []models.Anomaly        `json:"anomalies"`
}

// Snapshot collects the drone's current state
func (s *DroneService) Snapshot() DroneSnapshot {
	st := s.battery.CheckStatus()
	temp, hum := s.aggregator.WindowAverages()
	return DroneSnapshot{
		DroneID:            s.config.DroneID,
		Status:             st.Mode.Status(),
		BatteryLevel:       models.Round1(st.Level),
		BatteryThreshold:   st.Threshold,
		Progress:           st.Progress,
		StreamActive:       s.StreamActive(),
		AverageTemperature: temp,
		AverageHumidity:    hum,
		Sensors:            s.aggregator.Sensors(),
		Anomalies:          s.aggregator.Anomalies(),
		Connections:        s.Connections(),
	}
}

// Snapshot collects the collector's current state
func (s *CentralService) Snapshot() CentralSnapshot {
	return CentralSnapshot{
		Drones:      s.Drones(),
		Connections: s.Connections(),
		Anomalies:   s.Anomalies(),
	}
}
