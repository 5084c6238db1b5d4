package database

// SQL schemas for all ClickHouse tables

const (
	// DroneReportsTableSQL creates the drone_reports table
	DroneReportsTableSQL = `
		CREATE TABLE IF NOT EXISTS drone_reports (
			report_id UUID,
			timestamp DateTime64(3),
			received_at DateTime64(3),
			drone_id String,
			average_temperature Float64,
			average_humidity Float64,
			battery_level Float64,
			status LowCardinality(String),
			anomaly_count UInt32
		) ENGINE = MergeTree()
		ORDER BY (drone_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// DroneAnomaliesTableSQL creates the drone_anomalies table.
	// report_id is the zero UUID for anomalies raised by the central tier itself.
	DroneAnomaliesTableSQL = `
		CREATE TABLE IF NOT EXISTS drone_anomalies (
			report_id UUID,
			timestamp DateTime64(3),
			drone_id String,
			sensor_id String,
			issue LowCardinality(String),
			value Float64,
			threshold Nullable(Float64)
		) ENGINE = MergeTree()
		ORDER BY (drone_id, issue, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// DroneStatusTableSQL keeps the latest known status per drone
	DroneStatusTableSQL = `
		CREATE TABLE IF NOT EXISTS drone_status (
			drone_id String,
			status LowCardinality(String),
			battery_level Float64,
			average_temperature Float64,
			average_humidity Float64,
			updated_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY drone_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		DroneReportsTableSQL,
		DroneAnomaliesTableSQL,
		DroneStatusTableSQL,
	}
}
