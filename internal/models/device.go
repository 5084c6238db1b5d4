package models

import "time"

// DroneState is the central tier's latest known view of a drone
type DroneState struct {
	DroneID     string      `json:"drone_id"`
	Status      DroneStatus `json:"status"`
	Battery     float64     `json:"battery_level"`
	Temperature float64     `json:"average_temperature"`
	Humidity    float64     `json:"average_humidity"`
	LastSeen    time.Time   `json:"last_seen"`
}

// ConnectionInfo is a read-only view of one live connection
type ConnectionInfo struct {
	RemoteAddr string    `json:"remote_addr"`
	LogicalID  string    `json:"logical_id,omitempty"`
	LastActive time.Time `json:"last_active"`
}
