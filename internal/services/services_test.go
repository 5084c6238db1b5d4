package services

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"drone-telemetry/internal/events"
	"drone-telemetry/internal/models"
	"drone-telemetry/internal/power"
	"drone-telemetry/internal/wire"
)

type recorder struct {
	events.NopConsumer

	mu        sync.Mutex
	reports   []models.AggregatedReport
	anomalies []models.Anomaly
	statuses  []models.DroneStatus
}

func (r *recorder) OnReportReceived(report models.AggregatedReport) {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
}

func (r *recorder) OnAnomalies(droneID string, anomalies []models.Anomaly) {
	r.mu.Lock()
	r.anomalies = append(r.anomalies, anomalies...)
	r.mu.Unlock()
}

func (r *recorder) OnDroneStatusChanged(droneID string, status models.DroneStatus, battery, temperature, humidity float64) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *recorder) reportCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func (r *recorder) forwarded() []models.Anomaly {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Anomaly(nil), r.anomalies...)
}

func (r *recorder) sawStatus(status models.DroneStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == status {
			return true
		}
	}
	return false
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("connection still open")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("connection still open after 3s")
	}
}

func writeLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	if err := wire.WriteMessage(conn, v); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func startCentral(t *testing.T, ctx context.Context, consumer events.Consumer) *CentralService {
	t.Helper()
	central := NewCentralService(DefaultCentralServiceConfig("127.0.0.1:0"), consumer)
	if err := central.Start(ctx); err != nil {
		t.Fatalf("central Start: %v", err)
	}
	return central
}

func TestEndToEndAnomalyForwardedOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	central := startCentral(t, ctx, rec)

	cfg := DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", central.Addr().String())
	cfg.UplinkInterval = time.Hour
	drone := NewDroneService(cfg, nil)
	if err := drone.Start(ctx); err != nil {
		t.Fatalf("drone Start: %v", err)
	}
	defer func() {
		cancel()
		drone.Wait()
		central.Wait()
	}()

	conn, err := net.Dial("tcp", drone.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	writeLine(t, conn, models.SensorReading{
		SensorID:    "s1",
		Temperature: 95.0,
		Humidity:    40.0,
		Timestamp:   "2024-01-01T00:00:00Z",
	})

	waitFor(t, "edge anomaly", func() bool { return len(drone.Aggregator().Anomalies()) == 1 })
	if a := drone.Aggregator().Anomalies()[0]; a.Issue != models.IssueTemperatureTooHigh {
		t.Fatalf("edge anomaly = %+v", a)
	}

	// The second report repeats the unchanged anomaly snapshot.
	for i := 0; i < 2; i++ {
		if err := drone.SendReport(); err != nil {
			t.Fatalf("SendReport: %v", err)
		}
	}
	waitFor(t, "two reports", func() bool { return rec.reportCount() == 2 })
	time.Sleep(50 * time.Millisecond)

	forwarded := rec.forwarded()
	if len(forwarded) != 1 {
		t.Fatalf("forwarded %d anomalies, want 1: %+v", len(forwarded), forwarded)
	}
	a := forwarded[0]
	if a.SensorID != "s1" || a.Issue != models.IssueTemperatureTooHigh || a.Value != 95 || a.DroneID != "drone_alpha" {
		t.Errorf("forwarded anomaly = %+v", a)
	}

	rec.mu.Lock()
	first := rec.reports[0]
	rec.mu.Unlock()
	if first.AverageTemperature != 95 || first.AverageHumidity != 40 || len(first.Anomalies) != 1 {
		t.Errorf("first report = %+v", first)
	}

	drones := central.Drones()
	if len(drones) != 1 || drones[0].Status != models.StatusNormal {
		t.Errorf("Drones = %+v", drones)
	}
}

func TestDroneEvictsSensorsWhenReturning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	cfg := DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1")
	cfg.UplinkInterval = time.Hour
	cfg.Power.InitialLevel = 21
	cfg.Power.Threshold = 20
	cfg.Power.DrainRate = 0.1
	cfg.Power.TickInterval = 30 * time.Millisecond
	cfg.Power.ReturnDuration = time.Hour
	drone := NewDroneService(cfg, rec)
	if err := drone.Start(ctx); err != nil {
		t.Fatalf("drone Start: %v", err)
	}
	defer func() {
		cancel()
		drone.Wait()
	}()

	conn, err := net.Dial("tcp", drone.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, "returning status", func() bool { return rec.sawStatus(models.StatusReturningToBase) })
	expectClosed(t, conn)
	if n := len(drone.Connections()); n != 0 {
		t.Errorf("%d sensor connections survived the transition", n)
	}

	found := false
	for _, a := range drone.Aggregator().Anomalies() {
		if a.Issue == models.IssueBatteryLevelLow {
			found = true
		}
	}
	if !found {
		t.Errorf("no battery_level_low anomaly recorded")
	}

	late, err := net.Dial("tcp", drone.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer late.Close()
	expectClosed(t, late)

	if drone.Submit(models.SensorReading{SensorID: "s1"}) {
		t.Errorf("Submit accepted a reading while returning")
	}
}

func TestDroneStreamPause(t *testing.T) {
	drone := NewDroneService(DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1"), nil)

	drone.SetStreamActive(false)
	if _, err := drone.handleLine("addr", []byte(`{"sensor_id":"s1","temperature":95,"humidity":40}`)); err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	if len(drone.queue) != 0 {
		t.Errorf("reading queued while the stream was paused")
	}

	drone.SetStreamActive(true)
	drone.handleLine("addr", []byte(`{"sensor_id":"s1","temperature":95,"humidity":40}`))
	if len(drone.queue) != 1 {
		t.Errorf("queue length = %d, want 1", len(drone.queue))
	}
}

func TestDroneQueueDropsNewestWhenFull(t *testing.T) {
	cfg := DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1")
	cfg.QueueSize = 2
	drone := NewDroneService(cfg, nil)

	for i, want := range []bool{true, true, false} {
		r := models.SensorReading{SensorID: "s1", Temperature: float64(i)}
		if got := drone.Submit(r); got != want {
			t.Errorf("Submit #%d = %v, want %v", i, got, want)
		}
	}
	first := <-drone.queue
	if first.Temperature != 0 {
		t.Errorf("oldest queued reading was displaced")
	}
}

func TestDroneRecordsLostSensorOnce(t *testing.T) {
	drone := NewDroneService(DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1"), nil)

	if !drone.MarkDisconnected("sensor_03") {
		t.Fatalf("first MarkDisconnected = false")
	}
	if drone.MarkDisconnected("sensor_03") {
		t.Fatalf("second MarkDisconnected = true")
	}
	drone.ConnectionLost("sensor_03", models.Anomaly{SensorID: models.NotApplicable, Issue: models.IssueConnectionLost, Value: 45})

	history := drone.Aggregator().Anomalies()
	if len(history) != 1 || history[0].SensorID != "sensor_03" {
		t.Errorf("history = %+v", history)
	}

	// A reading from the sensor clears the lost flag and the outage record.
	drone.handleLine("addr", []byte(`{"sensor_id":"sensor_03","temperature":21,"humidity":40}`))
	if !drone.MarkDisconnected("sensor_03") {
		t.Errorf("lost flag not cleared after the sensor reported again")
	}
	if n := len(drone.Aggregator().Anomalies()); n != 0 {
		t.Errorf("%d entries left in history after the sensor reported again", n)
	}
}

func TestCentralIgnoresAnomaliesWhileAway(t *testing.T) {
	rec := &recorder{}
	central := NewCentralService(DefaultCentralServiceConfig("127.0.0.1:0"), rec)

	anomaly := models.Anomaly{SensorID: "s1", Issue: models.IssueHumidityTooLow, Value: 12}
	central.ProcessReport(models.AggregatedReport{
		DroneID:   "drone_alpha",
		Status:    models.StatusReturningToBase,
		Anomalies: []models.Anomaly{anomaly},
	})
	if n := len(rec.forwarded()); n != 0 {
		t.Fatalf("forwarded %d anomalies from a returning drone", n)
	}

	central.ProcessReport(models.AggregatedReport{DroneID: "drone_alpha", Anomalies: []models.Anomaly{anomaly}})
	if n := len(rec.forwarded()); n != 1 {
		t.Errorf("forwarded %d anomalies once back to normal, want 1", n)
	}
	if got := central.Drones()[0].Status; got != models.StatusNormal {
		t.Errorf("status = %q, want normal (missing status defaults)", got)
	}
}

func TestCentralConnectionLostOncePerOutage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	central := startCentral(t, ctx, rec)
	defer func() {
		cancel()
		central.Wait()
	}()

	report := models.AggregatedReport{DroneID: "drone_alpha", Status: models.StatusNormal, BatteryLevel: 90}
	connect := func() net.Conn {
		conn, err := net.Dial("tcp", central.Addr().String())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		writeLine(t, conn, report)
		return conn
	}
	countLost := func() int {
		n := 0
		for _, a := range rec.forwarded() {
			if a.Issue == models.IssueConnectionLost {
				n++
			}
		}
		return n
	}

	conn := connect()
	defer conn.Close()
	waitFor(t, "drone binding", func() bool { return central.Registry().Connected("drone_alpha") })

	clock := &testClock{now: time.Now().Add(46 * time.Second)}
	central.Registry().SetClock(clock.Now)

	if lost := central.Sweep(); len(lost) != 1 {
		t.Fatalf("first sweep emitted %d anomalies, want 1", len(lost))
	}
	central.Sweep()
	if n := countLost(); n != 1 {
		t.Fatalf("forwarded %d connection_lost anomalies, want 1", n)
	}
	waitFor(t, "disconnected status", func() bool {
		return central.Drones()[0].Status == models.StatusDisconnected
	})

	// The drone comes back and later goes quiet again.
	again := connect()
	defer again.Close()
	waitFor(t, "drone back to normal", func() bool {
		return central.Registry().Connected("drone_alpha") && central.Drones()[0].Status == models.StatusNormal
	})

	clock.Advance(46 * time.Second)
	central.Sweep()
	if n := countLost(); n != 2 {
		t.Errorf("forwarded %d connection_lost anomalies after a second outage, want 2", n)
	}
}

func TestDroneIngestClearsLostFlag(t *testing.T) {
	drone := NewDroneService(DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1"), nil)

	drone.MarkDisconnected("mqtt_sensor")
	drone.SetStreamActive(false)
	drone.Ingest(models.SensorReading{SensorID: "mqtt_sensor", Temperature: 21, Humidity: 50})
	if !drone.MarkDisconnected("mqtt_sensor") {
		t.Errorf("lost flag not cleared by a reading ingested outside a TCP connection")
	}
}

// relay hands the drone's current history to central the way an uplink would
func relay(drone *DroneService, central *CentralService, status models.DroneStatus) {
	central.ProcessReport(models.AggregatedReport{
		DroneID:      drone.ID(),
		Status:       status,
		BatteryLevel: 50,
		Anomalies:    drone.Aggregator().Anomalies(),
	})
}

func countIssue(anomalies []models.Anomaly, sensorID string, issue models.Issue) int {
	n := 0
	for _, a := range anomalies {
		if a.SensorID == sensorID && a.Issue == issue {
			n++
		}
	}
	return n
}

func TestSensorOutageForwardedEachTime(t *testing.T) {
	rec := &recorder{}
	central := NewCentralService(DefaultCentralServiceConfig("127.0.0.1:0"), rec)
	drone := NewDroneService(DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1"), nil)
	lost := models.Anomaly{SensorID: models.NotApplicable, Issue: models.IssueConnectionLost, Value: 45}
	back := models.SensorReading{SensorID: "sensor_03", Temperature: 21, Humidity: 40}

	for outage := 1; outage <= 2; outage++ {
		if !drone.MarkDisconnected("sensor_03") {
			t.Fatalf("outage %d: MarkDisconnected = false", outage)
		}
		drone.ConnectionLost("sensor_03", lost)
		relay(drone, central, models.StatusNormal)
		relay(drone, central, models.StatusNormal)

		drone.Ingest(back)
		relay(drone, central, models.StatusNormal)
		if n := countIssue(drone.Aggregator().Anomalies(), "sensor_03", models.IssueConnectionLost); n != 0 {
			t.Fatalf("outage %d: %d connection_lost entries left after the sensor came back", outage, n)
		}
	}

	if n := countIssue(rec.forwarded(), "sensor_03", models.IssueConnectionLost); n != 2 {
		t.Errorf("forwarded %d connection_lost anomalies for two outages, want 2", n)
	}
}

func TestBatteryAlertForwardedEachCycle(t *testing.T) {
	rec := &recorder{}
	central := NewCentralService(DefaultCentralServiceConfig("127.0.0.1:0"), rec)
	drone := NewDroneService(DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1"), nil)
	drone.aggregator.RecordAnomaly(models.Anomaly{SensorID: "s1", Issue: models.IssueHumidityTooLow, Value: 12})

	for cycle := 1; cycle <= 2; cycle++ {
		drone.onModeChange(power.Normal, power.Returning)
		relay(drone, central, models.StatusReturningToBase)
		relay(drone, central, models.StatusReturningToBase)
		drone.onModeChange(power.Returning, power.Charging)
		relay(drone, central, models.StatusCharging)
		drone.onModeChange(power.Charging, power.Normal)
		if n := countIssue(drone.Aggregator().Anomalies(), models.NotApplicable, models.IssueBatteryLevelLow); n != 0 {
			t.Fatalf("cycle %d: battery alert still in history after recharging", cycle)
		}
		relay(drone, central, models.StatusNormal)
	}

	got := rec.forwarded()
	if n := countIssue(got, models.NotApplicable, models.IssueBatteryLevelLow); n != 2 {
		t.Errorf("forwarded %d battery_level_low anomalies over two cycles, want 2", n)
	}
	// Sensor anomalies only pass once the drone is normal again.
	if n := countIssue(got, "s1", models.IssueHumidityTooLow); n != 1 {
		t.Errorf("forwarded %d humidity anomalies, want 1", n)
	}
}

func TestDroneIngestHonoursPause(t *testing.T) {
	drone := NewDroneService(DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1"), nil)
	r := models.SensorReading{SensorID: "mqtt_sensor", Temperature: 21, Humidity: 50}

	drone.SetStreamActive(false)
	if drone.Ingest(r) {
		t.Fatal("Ingest accepted a reading while paused")
	}
	drone.SetStreamActive(true)
	if !drone.Ingest(r) {
		t.Fatal("Ingest rejected a reading while active")
	}
}

func TestDroneSnapshot(t *testing.T) {
	drone := NewDroneService(DefaultDroneServiceConfig("drone_alpha", "127.0.0.1:0", "127.0.0.1:1"), nil)
	drone.aggregator.UpdateReadings(models.SensorReading{SensorID: "s2", Temperature: 20, Humidity: 40})
	drone.aggregator.UpdateReadings(models.SensorReading{SensorID: "s1", Temperature: 35, Humidity: 60})

	snap := drone.Snapshot()
	if snap.DroneID != "drone_alpha" || snap.Status != models.StatusNormal || !snap.StreamActive {
		t.Errorf("unexpected snapshot header %+v", snap)
	}
	if snap.BatteryLevel != 100 || snap.BatteryThreshold != 20 {
		t.Errorf("battery = %v/%v", snap.BatteryLevel, snap.BatteryThreshold)
	}
	if snap.AverageTemperature != 27.5 || snap.AverageHumidity != 50 {
		t.Errorf("averages = %v, %v", snap.AverageTemperature, snap.AverageHumidity)
	}
	if len(snap.Sensors) != 2 || snap.Sensors[0] != "s1" {
		t.Errorf("sensors = %v", snap.Sensors)
	}
	if len(snap.Anomalies) != 1 || snap.Anomalies[0].Issue != models.IssueTemperatureTooHigh {
		t.Errorf("anomalies = %+v", snap.Anomalies)
	}

	// The snapshot must not consume readings meant for the next report.
	if temp, _ := drone.aggregator.ComputeAverages(); temp != 27.5 {
		t.Errorf("uplink averages = %v after snapshot", temp)
	}
}

func TestCentralSnapshot(t *testing.T) {
	central := NewCentralService(DefaultCentralServiceConfig("127.0.0.1:0"), nil)
	central.ProcessReport(models.AggregatedReport{
		DroneID:      "drone_b",
		Timestamp:    "2024-01-01T00:00:00Z",
		BatteryLevel: 77,
		Status:       models.StatusNormal,
		Anomalies: []models.Anomaly{
			{SensorID: "s1", Issue: models.IssueHumidityTooHigh, Value: 90, Timestamp: "2024-01-01T00:00:00Z"},
		},
	})
	central.ProcessReport(models.AggregatedReport{DroneID: "drone_a", Status: models.StatusCharging, Anomalies: []models.Anomaly{}})

	snap := central.Snapshot()
	if len(snap.Drones) != 2 || snap.Drones[0].DroneID != "drone_a" {
		t.Fatalf("drones = %+v", snap.Drones)
	}
	if snap.Drones[1].Battery != 77 {
		t.Errorf("battery = %v", snap.Drones[1].Battery)
	}
	if len(snap.Anomalies) != 1 || snap.Anomalies[0].DroneID != "drone_b" {
		t.Errorf("anomalies = %+v", snap.Anomalies)
	}
}
