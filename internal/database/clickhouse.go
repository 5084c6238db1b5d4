package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"drone-telemetry/internal/models"
)

// execer is the subset of driver.Conn used for writes
type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

type ClickHouseDB struct {
	conn   driver.Conn
	exec   execer
	now    func() time.Time
	writes chan func(context.Context) error
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(addr, database, username, password string) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Printf("Connected to ClickHouse at %s", addr)

	db := newDB(conn, 256)
	db.conn = conn

	// Initialize schema
	if err := db.InitSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func newDB(exec execer, queueSize int) *ClickHouseDB {
	return &ClickHouseDB{
		exec:   exec,
		now:    time.Now,
		writes: make(chan func(context.Context) error, queueSize),
	}
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.exec.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	log.Println("Database schema initialized successfully")
	return nil
}

// Start performs queued writes until ctx is cancelled. Event callbacks
// only enqueue so a slow database never stalls the collector.
func (db *ClickHouseDB) Start(ctx context.Context) {
	log.Println("ClickHouse: Writer started")
	for {
		select {
		case <-ctx.Done():
			log.Println("ClickHouse: Writer stopped")
			return
		case write := <-db.writes:
			if err := write(ctx); err != nil {
				log.Printf("ClickHouse: %v", err)
			}
		}
	}
}

func (db *ClickHouseDB) enqueue(write func(context.Context) error) {
	select {
	case db.writes <- write:
	default:
		log.Println("Warning: ClickHouse write queue full, dropping write")
	}
}

// SaveReport stores one aggregated report and the anomalies it carried
func (db *ClickHouseDB) SaveReport(ctx context.Context, report models.AggregatedReport) error {
	reportID := uuid.New()
	ts := parseTimestamp(report.Timestamp, db.now())

	query := `
		INSERT INTO drone_reports (report_id, timestamp, received_at, drone_id, average_temperature, average_humidity, battery_level, status, anomaly_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.exec.Exec(ctx, query,
		reportID,
		ts,
		db.now(),
		report.DroneID,
		report.AverageTemperature,
		report.AverageHumidity,
		report.BatteryLevel,
		string(report.Status),
		uint32(len(report.Anomalies)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	for _, a := range report.Anomalies {
		if err := db.saveAnomaly(ctx, reportID, report.DroneID, a); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnomalies stores anomalies that were not part of a report
func (db *ClickHouseDB) SaveAnomalies(ctx context.Context, droneID string, anomalies []models.Anomaly) error {
	for _, a := range anomalies {
		if err := db.saveAnomaly(ctx, uuid.Nil, droneID, a); err != nil {
			return err
		}
	}
	return nil
}

func (db *ClickHouseDB) saveAnomaly(ctx context.Context, reportID uuid.UUID, droneID string, a models.Anomaly) error {
	query := `
		INSERT INTO drone_anomalies (report_id, timestamp, drone_id, sensor_id, issue, value, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := db.exec.Exec(ctx, query,
		reportID,
		parseTimestamp(a.Timestamp, db.now()),
		droneID,
		a.SensorID,
		string(a.Issue),
		a.Value,
		a.Threshold,
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

// SaveStatus upserts the latest status of a drone
func (db *ClickHouseDB) SaveStatus(ctx context.Context, droneID string, status models.DroneStatus, battery, temperature, humidity float64) error {
	query := `
		INSERT INTO drone_status (drone_id, status, battery_level, average_temperature, average_humidity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	err := db.exec.Exec(ctx, query,
		droneID,
		string(status),
		battery,
		temperature,
		humidity,
		db.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert drone status: %w", err)
	}
	return nil
}

// OnReportReceived persists the report. Its anomalies are stored with it.
func (db *ClickHouseDB) OnReportReceived(report models.AggregatedReport) {
	db.enqueue(func(ctx context.Context) error { return db.SaveReport(ctx, report) })
}

// OnAnomalies only persists anomalies the collector raised itself; the
// ones forwarded from a report are already written by OnReportReceived.
func (db *ClickHouseDB) OnAnomalies(droneID string, anomalies []models.Anomaly) {
	var own []models.Anomaly
	for _, a := range anomalies {
		if a.Issue == models.IssueConnectionLost && a.SensorID == models.NotApplicable {
			own = append(own, a)
		}
	}
	if len(own) == 0 {
		return
	}
	db.enqueue(func(ctx context.Context) error { return db.SaveAnomalies(ctx, droneID, own) })
}

func (db *ClickHouseDB) OnConnectionCountChanged(string, int) {}

func (db *ClickHouseDB) OnDroneStatusChanged(droneID string, status models.DroneStatus, battery, temperature, humidity float64) {
	db.enqueue(func(ctx context.Context) error {
		return db.SaveStatus(ctx, droneID, status, battery, temperature, humidity)
	})
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		log.Println("ClickHouse connection closed")
	}
	return nil
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	t, err := time.Parse(models.TimestampLayout, s)
	if err != nil {
		return fallback
	}
	return t
}
