package services

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"drone-telemetry/internal/aggregator"
	"drone-telemetry/internal/events"
	"drone-telemetry/internal/ingest"
	"drone-telemetry/internal/liveness"
	"drone-telemetry/internal/metrics"
	"drone-telemetry/internal/models"
	"drone-telemetry/internal/power"
	"drone-telemetry/internal/uplink"
	"drone-telemetry/internal/wire"
)

// DroneServiceConfig holds configuration for the edge node
type DroneServiceConfig struct {
	DroneID        string
	Server         ingest.Config
	Uplink         uplink.Config
	Aggregator     aggregator.Config
	Power          power.Config
	Liveness       liveness.Config
	QueueSize      int
	UplinkInterval time.Duration
}

// DefaultDroneServiceConfig returns default configuration
func DefaultDroneServiceConfig(droneID, listenAddr, centralAddr string) DroneServiceConfig {
	return DroneServiceConfig{
		DroneID:        droneID,
		Server:         ingest.DefaultConfig("drone", listenAddr),
		Uplink:         uplink.DefaultConfig(droneID, centralAddr),
		Aggregator:     aggregator.DefaultConfig(),
		Power:          power.DefaultConfig(),
		Liveness:       liveness.DefaultConfig(),
		QueueSize:      100,
		UplinkInterval: 5 * time.Second,
	}
}

// DroneService is the edge node: it ingests sensor readings, aggregates them,
// runs the battery cycle and forwards reports to the central collector
type DroneService struct {
	config DroneServiceConfig

	registry   *ingest.Registry
	server     *ingest.Server
	aggregator *aggregator.EdgeAggregator
	battery    *power.Machine
	uplink     *uplink.Client
	monitor    *liveness.Monitor
	consumer   events.Consumer

	// Readings flow from connection handlers to the aggregator through this queue
	queue chan models.SensorReading

	streamActive atomic.Bool
	warnLimiter  *rate.Limiter
	now          func() time.Time
	wg           sync.WaitGroup

	mu          sync.Mutex
	lostSensors map[string]bool
	lastTemp    float64
	lastHum     float64
}

// NewDroneService creates a new drone service. consumer may be nil.
func NewDroneService(config DroneServiceConfig, consumer events.Consumer) *DroneService {
	if consumer == nil {
		consumer = events.NopConsumer{}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.UplinkInterval <= 0 {
		config.UplinkInterval = 5 * time.Second
	}
	config.Server.Tier = "drone"

	s := &DroneService{
		config:      config,
		registry:    ingest.NewRegistry("drone"),
		aggregator:  aggregator.NewEdgeAggregator(config.Aggregator),
		battery:     power.NewMachine(config.Power),
		uplink:      uplink.NewClient(config.Uplink),
		consumer:    consumer,
		queue:       make(chan models.SensorReading, config.QueueSize),
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		now:         time.Now,
		lostSensors: make(map[string]bool),
	}
	s.streamActive.Store(true)

	s.registry.OnCountChanged(consumer.OnConnectionCountChanged)
	s.server = ingest.NewServer(config.Server, s.registry, s.handleLine)
	s.server.SetAdmission(s.battery.Accepting)
	s.monitor = liveness.NewMonitor(config.Liveness, s.registry, s)
	return s
}

// Start binds the sensor listener and launches the background loops.
// It returns once everything is running; a bind failure is returned.
func (s *DroneService) Start(ctx context.Context) error {
	log.Printf("DroneService: Starting %s...", s.config.DroneID)

	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("drone %s: %w", s.config.DroneID, err)
	}

	s.goLoop(func() { s.processLoop(ctx) })
	s.goLoop(func() { s.battery.Run(ctx, s.onModeChange) })
	s.goLoop(func() { s.uplinkLoop(ctx) })
	s.goLoop(func() { s.monitor.Run(ctx) })

	log.Printf("DroneService: %s running, uplink to %s every %v",
		s.config.DroneID, s.config.Uplink.CentralAddr, s.config.UplinkInterval)
	return nil
}

// Wait blocks until every background loop has exited
func (s *DroneService) Wait() {
	s.wg.Wait()
	s.server.Stop()
	s.uplink.Close()
	log.Printf("DroneService: %s shutdown complete", s.config.DroneID)
}

func (s *DroneService) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// handleLine decodes one sensor reading from a connection
func (s *DroneService) handleLine(_ string, line []byte) (string, error) {
	reading, err := wire.DecodeReading(line, s.now())
	if err != nil {
		return "", err
	}

	s.Ingest(reading)
	return reading.SensorID, nil
}

// Ingest accepts a reading from any source. A sensor that was marked lost is
// back, so its outage record is cleared. The reading is discarded while the
// data stream is paused.
func (s *DroneService) Ingest(reading models.SensorReading) bool {
	s.mu.Lock()
	wasLost := s.lostSensors[reading.SensorID]
	delete(s.lostSensors, reading.SensorID)
	s.mu.Unlock()
	if wasLost {
		s.aggregator.ForgetAnomalies(reading.SensorID, models.IssueConnectionLost)
		log.Printf("DroneService: sensor %s reconnected", reading.SensorID)
	}

	if !s.streamActive.Load() {
		return false
	}
	return s.Submit(reading)
}

// Submit queues a reading for aggregation without blocking. When the queue is
// full, or the drone is away from its sensors, the reading is dropped.
func (s *DroneService) Submit(reading models.SensorReading) bool {
	if !s.battery.Accepting() {
		return false
	}
	select {
	case s.queue <- reading:
		return true
	default:
		metrics.Dropped.Inc()
		if s.warnLimiter.Allow() {
			log.Printf("DroneService: Warning: reading queue full, dropping reading from %s", reading.SensorID)
		}
		return false
	}
}

// processLoop feeds queued readings to the aggregator
func (s *DroneService) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-s.queue:
			s.aggregator.UpdateReadings(reading)
		}
	}
}

// uplinkLoop sends one report every UplinkInterval
func (s *DroneService) uplinkLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.UplinkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SendReport(); err != nil {
				log.Printf("DroneService: Warning: report not delivered: %v", err)
			}
		}
	}
}

// SendReport sends the averages since the last report, the anomaly history
// and the battery state to the central collector
func (s *DroneService) SendReport() error {
	status := s.battery.CheckStatus()
	avgTemp, avgHum := s.aggregator.ComputeAverages()

	if avgTemp != 0 || avgHum != 0 {
		s.mu.Lock()
		s.lastTemp, s.lastHum = avgTemp, avgHum
		s.mu.Unlock()
	}
	metrics.BatteryLevel.WithLabelValues(s.config.DroneID).Set(status.Level)

	return s.uplink.SendToServer(avgTemp, avgHum, s.aggregator.Anomalies(),
		models.Round1(status.Level), status.Mode.Status())
}

// onModeChange runs synchronously on the battery tick that changed mode
func (s *DroneService) onModeChange(from, to power.Mode) {
	status := s.battery.CheckStatus()

	switch to {
	case power.Returning:
		closed := s.registry.CloseAll()
		log.Printf("DroneService: battery at %.1f%% (threshold %.0f%%), returning to base; closed %d sensor connections",
			status.Level, status.Threshold, closed)
		s.aggregator.RecordAnomaly(models.Anomaly{
			SensorID:  models.NotApplicable,
			Issue:     models.IssueBatteryLevelLow,
			Value:     models.Round1(status.Level),
			Threshold: models.Float(status.Threshold),
			Timestamp: models.FormatTimestamp(s.now()),
		})
	case power.Charging:
		log.Printf("DroneService: arrived at base, charging from %.1f%%", status.Level)
	case power.Normal:
		// The next cycle records the alert again even at the same level.
		s.aggregator.ForgetAnomalies(models.NotApplicable, models.IssueBatteryLevelLow)
		log.Printf("DroneService: charged to %.1f%%, resuming service", status.Level)
	}

	s.mu.Lock()
	temp, hum := s.lastTemp, s.lastHum
	s.mu.Unlock()
	metrics.BatteryLevel.WithLabelValues(s.config.DroneID).Set(status.Level)
	s.consumer.OnDroneStatusChanged(s.config.DroneID, to.Status(), status.Level, temp, hum)
}

// MarkDisconnected implements liveness.Tracker for sensor connections
func (s *DroneService) MarkDisconnected(sensorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lostSensors[sensorID] {
		return false
	}
	s.lostSensors[sensorID] = true
	return true
}

// ConnectionLost records a lost sensor so the central collector hears about it
func (s *DroneService) ConnectionLost(sensorID string, anomaly models.Anomaly) {
	anomaly.SensorID = sensorID
	log.Printf("DroneService: lost sensor %s", sensorID)
	s.aggregator.RecordAnomaly(anomaly)
}

// SetStreamActive pauses or resumes aggregation of incoming readings.
// Connections stay open while paused.
func (s *DroneService) SetStreamActive(active bool) {
	s.streamActive.Store(active)
	log.Printf("DroneService: data stream active=%v", active)
}

// StreamActive reports whether incoming readings are being aggregated
func (s *DroneService) StreamActive() bool {
	return s.streamActive.Load()
}

// SetBatteryThreshold changes the return-to-base threshold
func (s *DroneService) SetBatteryThreshold(threshold float64) error {
	return s.battery.SetThreshold(threshold)
}

// Disconnect evicts the connection of one sensor
func (s *DroneService) Disconnect(sensorID string) bool {
	return s.registry.Disconnect(sensorID)
}

// Addr returns the sensor listener's bound address
func (s *DroneService) Addr() net.Addr {
	return s.server.Addr()
}

// ID returns the drone id
func (s *DroneService) ID() string {
	return s.config.DroneID
}

// Battery returns the drone's power state machine
func (s *DroneService) Battery() *power.Machine {
	return s.battery
}

// Aggregator returns the drone's aggregator
func (s *DroneService) Aggregator() *aggregator.EdgeAggregator {
	return s.aggregator
}

// Connections returns the live sensor connections
func (s *DroneService) Connections() []models.ConnectionInfo {
	return s.registry.Snapshot()
}
