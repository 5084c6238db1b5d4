package models

// DroneStatus is the availability state a drone reports upstream
type DroneStatus string

const (
	StatusNormal          DroneStatus = "normal"
	StatusReturningToBase DroneStatus = "returning_to_base"
	StatusCharging        DroneStatus = "charging"

	// StatusDisconnected is never sent on the wire; the central tier assigns it
	// when a drone's connection is lost.
	StatusDisconnected DroneStatus = "disconnected"
)

// Valid reports whether s is one of the statuses a drone may send
func (s DroneStatus) Valid() bool {
	switch s {
	case StatusNormal, StatusReturningToBase, StatusCharging:
		return true
	}
	return false
}

// AggregatedReport is the summary a drone sends to the central collector each uplink cycle
type AggregatedReport struct {
	DroneID            string      `json:"drone_id"`
	Timestamp          string      `json:"timestamp"`
	AverageTemperature float64     `json:"average_temperature"`
	AverageHumidity    float64     `json:"average_humidity"`
	BatteryLevel       float64     `json:"battery_level"`
	Status             DroneStatus `json:"status"`
	Anomalies          []Anomaly   `json:"anomalies"`
}

// ApplyDefaults fills the optional fields a peer may omit
func (r *AggregatedReport) ApplyDefaults() {
	if !r.Status.Valid() {
		r.Status = StatusNormal
	}
	if r.Anomalies == nil {
		r.Anomalies = []Anomaly{}
	}
}
