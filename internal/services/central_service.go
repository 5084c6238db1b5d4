package services

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"drone-telemetry/internal/dedup"
	"drone-telemetry/internal/events"
	"drone-telemetry/internal/ingest"
	"drone-telemetry/internal/liveness"
	"drone-telemetry/internal/metrics"
	"drone-telemetry/internal/models"
	"drone-telemetry/internal/wire"
)

// CentralServiceConfig holds configuration for the central collector
type CentralServiceConfig struct {
	Server       ingest.Config
	Liveness     liveness.Config
	KeysPerDrone int
	HistorySize  int
}

// DefaultCentralServiceConfig returns default configuration
func DefaultCentralServiceConfig(listenAddr string) CentralServiceConfig {
	return CentralServiceConfig{
		Server:       ingest.DefaultConfig("central", listenAddr),
		Liveness:     liveness.DefaultConfig(),
		KeysPerDrone: dedup.DefaultKeysPerDrone,
		HistorySize:  dedup.DefaultHistorySize,
	}
}

// CentralService receives drone reports, tracks drone status and forwards
// de-duplicated anomalies to consumers
type CentralService struct {
	config CentralServiceConfig

	registry *ingest.Registry
	server   *ingest.Server
	monitor  *liveness.Monitor
	dedup    *dedup.Deduplicator
	consumer events.Consumer
	now      func() time.Time
	wg       sync.WaitGroup

	mu     sync.Mutex
	drones map[string]*models.DroneState
	// lost holds drones already reported as connection_lost since their last report
	lost map[string]bool
}

// NewCentralService creates a new central service. consumer may be nil.
func NewCentralService(config CentralServiceConfig, consumer events.Consumer) *CentralService {
	if consumer == nil {
		consumer = events.NopConsumer{}
	}
	config.Server.Tier = "central"

	s := &CentralService{
		config:   config,
		registry: ingest.NewRegistry("central"),
		dedup:    dedup.NewDeduplicator(config.KeysPerDrone, config.HistorySize),
		consumer: consumer,
		now:      time.Now,
		drones:   make(map[string]*models.DroneState),
		lost:     make(map[string]bool),
	}
	s.registry.OnCountChanged(consumer.OnConnectionCountChanged)
	s.server = ingest.NewServer(config.Server, s.registry, s.handleLine)
	s.server.SetCloseHook(s.connectionClosed)
	s.monitor = liveness.NewMonitor(config.Liveness, s.registry, s)
	return s
}

// Start binds the drone listener and launches the liveness monitor
func (s *CentralService) Start(ctx context.Context) error {
	log.Println("CentralService: Starting...")

	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("central: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(ctx)
	}()

	log.Println("CentralService: running")
	return nil
}

// Wait blocks until the background loops have exited
func (s *CentralService) Wait() {
	s.wg.Wait()
	s.server.Stop()
	log.Println("CentralService: shutdown complete")
}

// handleLine decodes one aggregated report from a drone connection
func (s *CentralService) handleLine(_ string, line []byte) (string, error) {
	report, err := wire.DecodeReport(line)
	if err != nil {
		return "", err
	}
	s.ProcessReport(report)
	return report.DroneID, nil
}

// ProcessReport updates the drone's status and forwards the anomalies the
// deduplicator lets through. Sensor anomalies from a drone that is returning
// or charging are ignored; its own battery alert is not.
func (s *CentralService) ProcessReport(report models.AggregatedReport) {
	report.ApplyDefaults()
	s.consumer.OnReportReceived(report)

	s.mu.Lock()
	state, known := s.drones[report.DroneID]
	if !known {
		state = &models.DroneState{DroneID: report.DroneID}
		s.drones[report.DroneID] = state
		log.Printf("CentralService: new drone %s", report.DroneID)
	}
	recovered := s.lost[report.DroneID]
	delete(s.lost, report.DroneID)
	state.Status = report.Status
	state.Battery = report.BatteryLevel
	state.Temperature = report.AverageTemperature
	state.Humidity = report.AverageHumidity
	state.LastSeen = s.now()
	s.mu.Unlock()

	if recovered {
		s.dedup.Forget(report.DroneID, models.NotApplicable, models.IssueConnectionLost)
		log.Printf("CentralService: drone %s is reporting again", report.DroneID)
	}
	// Conditions the drone no longer carries have cleared, so their next
	// occurrence is news even with the same value.
	for _, issue := range clearableIssues {
		s.dedup.ForgetAbsent(report.DroneID, issue, report.Anomalies)
	}
	metrics.BatteryLevel.WithLabelValues(report.DroneID).Set(report.BatteryLevel)
	s.consumer.OnDroneStatusChanged(report.DroneID, report.Status,
		report.BatteryLevel, report.AverageTemperature, report.AverageHumidity)

	if report.Status != models.StatusNormal {
		kept := droneLevel(report.Anomalies)
		if ignored := len(report.Anomalies) - len(kept); ignored > 0 {
			log.Printf("CentralService: ignoring %d anomalies from %s while %s",
				ignored, report.DroneID, report.Status)
		}
		s.forward(report.DroneID, kept)
		return
	}
	s.forward(report.DroneID, report.Anomalies)
}

// clearableIssues are conditions with a fixed value that come and go
var clearableIssues = []models.Issue{models.IssueConnectionLost, models.IssueBatteryLevelLow}

// droneLevel keeps the anomalies about the drone itself. They stay relevant
// while the drone is away from its sensors.
func droneLevel(anomalies []models.Anomaly) []models.Anomaly {
	var out []models.Anomaly
	for _, a := range anomalies {
		if a.SensorID == models.NotApplicable && a.Issue == models.IssueBatteryLevelLow {
			out = append(out, a)
		}
	}
	return out
}

func (s *CentralService) forward(droneID string, anomalies []models.Anomaly) {
	fresh := s.dedup.Filter(droneID, anomalies)
	if len(fresh) == 0 {
		return
	}
	for _, a := range fresh {
		log.Printf("CentralService: anomaly from %s: %s on %s (value=%.1f)", droneID, a.Issue, a.SensorID, a.Value)
	}
	s.consumer.OnAnomalies(droneID, fresh)
}

// setDisconnected flips the visible status and reports whether it changed
func (s *CentralService) setDisconnected(droneID string) bool {
	s.mu.Lock()
	state, ok := s.drones[droneID]
	if !ok {
		state = &models.DroneState{DroneID: droneID}
		s.drones[droneID] = state
	}
	if state.Status == models.StatusDisconnected {
		s.mu.Unlock()
		return false
	}
	state.Status = models.StatusDisconnected
	snapshot := *state
	s.mu.Unlock()

	s.consumer.OnDroneStatusChanged(droneID, models.StatusDisconnected,
		snapshot.Battery, snapshot.Temperature, snapshot.Humidity)
	return true
}

// connectionClosed runs when a drone's last connection ends
func (s *CentralService) connectionClosed(droneID string) {
	if s.setDisconnected(droneID) {
		log.Printf("CentralService: drone %s disconnected", droneID)
	}
}

// MarkDisconnected implements liveness.Tracker. It returns true only the first
// time a drone is found idle since its last report.
func (s *CentralService) MarkDisconnected(droneID string) bool {
	s.mu.Lock()
	if s.lost[droneID] {
		s.mu.Unlock()
		return false
	}
	s.lost[droneID] = true
	s.mu.Unlock()

	s.setDisconnected(droneID)
	return true
}

// ConnectionLost forwards the synthesized connection_lost anomaly
func (s *CentralService) ConnectionLost(droneID string, anomaly models.Anomaly) {
	log.Printf("CentralService: connection to %s lost (idle > %.0fs)", droneID, anomaly.Value)
	s.forward(droneID, []models.Anomaly{anomaly})
}

// Sweep runs one liveness pass immediately
func (s *CentralService) Sweep() []models.Anomaly {
	return s.monitor.Sweep()
}

// Disconnect evicts the connection of one drone
func (s *CentralService) Disconnect(droneID string) bool {
	return s.registry.Disconnect(droneID)
}

// Drones returns the latest known state of every drone, sorted by id
func (s *CentralService) Drones() []models.DroneState {
	s.mu.Lock()
	out := make([]models.DroneState, 0, len(s.drones))
	for _, d := range s.drones {
		out = append(out, *d)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DroneID < out[j].DroneID })
	return out
}

// Anomalies returns the forwarded anomaly history
func (s *CentralService) Anomalies() []models.Anomaly {
	return s.dedup.History()
}

// Connections returns the live drone connections
func (s *CentralService) Connections() []models.ConnectionInfo {
	return s.registry.Snapshot()
}

// Addr returns the drone listener's bound address
func (s *CentralService) Addr() net.Addr {
	return s.server.Addr()
}

// Registry exposes the connection registry, mainly for liveness tests
func (s *CentralService) Registry() *ingest.Registry {
	return s.registry
}
