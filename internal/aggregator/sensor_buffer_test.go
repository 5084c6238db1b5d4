package aggregator

import (
	"math"
	"testing"

	"drone-telemetry/internal/models"
)

func reading(id string, temp, humidity float64) models.SensorReading {
	return models.SensorReading{
		SensorID:    id,
		Timestamp:   "2024-01-01T00:00:00Z",
		Temperature: temp,
		Humidity:    humidity,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeAveragesOnlyNewReadings(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())

	ea.UpdateReadings(reading("s1", 20, 40))
	ea.UpdateReadings(reading("s1", 22, 50))
	temp, humidity := ea.ComputeAverages()
	if !approx(temp, 21) || !approx(humidity, 45) {
		t.Fatalf("first averages = %v, %v; want 21, 45", temp, humidity)
	}

	if temp, humidity := ea.ComputeAverages(); temp != 0 || humidity != 0 {
		t.Fatalf("averages with no new readings = %v, %v; want 0, 0", temp, humidity)
	}

	ea.UpdateReadings(reading("s1", 26, 30))
	ea.UpdateReadings(reading("s2", 24, 60))
	temp, humidity = ea.ComputeAverages()
	if !approx(temp, 25) || !approx(humidity, 45) {
		t.Errorf("second averages = %v, %v; want 25, 45", temp, humidity)
	}
}

func TestComputeAveragesAfterWindowTrim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 3
	ea := NewEdgeAggregator(cfg)

	for _, v := range []float64{21, 22, 23} {
		ea.UpdateReadings(reading("s1", v, 40))
	}
	ea.ComputeAverages()

	// Two new readings push two consumed ones out of the window.
	ea.UpdateReadings(reading("s1", 27, 40))
	ea.UpdateReadings(reading("s1", 29, 40))

	temp, _ := ea.ComputeAverages()
	if !approx(temp, 28) {
		t.Errorf("average after trim = %v, want 28", temp)
	}
	if got := len(ea.Readings()["s1"]); got != 3 {
		t.Errorf("window length = %d, want 3", got)
	}
}

func TestDetectPriority(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())

	tests := []struct {
		name     string
		temp     float64
		humidity float64
		want     models.Issue
	}{
		{"temperature high wins", 95, 95, models.IssueTemperatureTooHigh},
		{"temperature low beats humidity", 5, 10, models.IssueTemperatureTooLow},
		{"humidity high", 25, 85, models.IssueHumidityTooHigh},
		{"humidity low", 25, 15, models.IssueHumidityTooLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, found := ea.Detect(reading("s1", tt.temp, tt.humidity))
			if !found {
				t.Fatalf("no anomaly detected")
			}
			if a.Issue != tt.want {
				t.Errorf("Issue = %q, want %q", a.Issue, tt.want)
			}
		})
	}

	if _, found := ea.Detect(reading("s1", 25, 45)); found {
		t.Errorf("anomaly detected for an in-range reading")
	}
}

func TestUpdateReadingsRecordsOneAnomalyPerReading(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())

	a, recorded := ea.UpdateReadings(reading("s1", 95, 5))
	if !recorded || a.Issue != models.IssueTemperatureTooHigh {
		t.Fatalf("UpdateReadings = %+v, %v", a, recorded)
	}
	if got := len(ea.Anomalies()); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
}

func TestDuplicateAnomalyRecordedOnce(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())

	ea.UpdateReadings(reading("s1", 95, 40))
	if _, recorded := ea.UpdateReadings(reading("s1", 95, 40)); recorded {
		t.Errorf("identical anomaly recorded twice")
	}

	later := reading("s1", 95, 40)
	later.Timestamp = "2024-01-01T00:00:05Z"
	if _, recorded := ea.UpdateReadings(later); recorded {
		t.Errorf("same value with a new timestamp was recorded again")
	}

	if _, recorded := ea.UpdateReadings(reading("s1", 97, 40)); !recorded {
		t.Errorf("changed value was not recorded")
	}
	if got := len(ea.Anomalies()); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestAnomalyHistoryCap(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())
	for i := 0; i < 15; i++ {
		ea.UpdateReadings(reading("s1", 100+float64(i), 40))
	}

	history := ea.Anomalies()
	if len(history) != 10 {
		t.Fatalf("history length = %d, want 10", len(history))
	}
	if history[0].Value != 105 {
		t.Errorf("oldest kept value = %v, want 105", history[0].Value)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())
	ea.UpdateReadings(reading("s1", 95, 40))

	ea.Anomalies()[0].SensorID = "mutated"
	ea.Readings()["s1"][0].SensorID = "mutated"

	if ea.Anomalies()[0].SensorID != "s1" || ea.Readings()["s1"][0].SensorID != "s1" {
		t.Errorf("caller mutation leaked into aggregator state")
	}
	if ids := ea.Sensors(); len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("Sensors = %v, want [s1]", ids)
	}
}

func TestWindowAveragesDoesNotConsume(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())
	ea.UpdateReadings(reading("s1", 20, 40))
	ea.UpdateReadings(reading("s2", 24, 60))

	for i := 0; i < 2; i++ {
		temp, humidity := ea.WindowAverages()
		if !approx(temp, 22) || !approx(humidity, 50) {
			t.Fatalf("window averages = %v, %v; want 22, 50", temp, humidity)
		}
	}
	if temp, _ := ea.ComputeAverages(); !approx(temp, 22) {
		t.Fatalf("uplink averages should still see both readings, got %v", temp)
	}
}

func TestForgetAnomaliesAllowsSameValueAgain(t *testing.T) {
	ea := NewEdgeAggregator(DefaultConfig())
	lost := models.Anomaly{SensorID: "s3", Issue: models.IssueConnectionLost, Value: 45, Threshold: models.Float(45)}

	if !ea.RecordAnomaly(lost) {
		t.Fatal("first outage not recorded")
	}
	ea.RecordAnomaly(models.Anomaly{SensorID: "s1", Issue: models.IssueTemperatureTooHigh, Value: 31})
	if ea.RecordAnomaly(lost) {
		t.Fatal("same outage recorded twice")
	}

	if n := ea.ForgetAnomalies("s3", models.IssueConnectionLost); n != 1 {
		t.Fatalf("ForgetAnomalies removed %d entries, want 1", n)
	}
	if got := ea.Anomalies(); len(got) != 1 || got[0].SensorID != "s1" {
		t.Fatalf("unrelated history changed: %+v", got)
	}
	if !ea.RecordAnomaly(lost) {
		t.Error("second outage with the same value not recorded")
	}
}
