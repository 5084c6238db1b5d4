package dedup

import (
	"testing"

	"drone-telemetry/internal/models"
)

func highTemp(value float64) models.Anomaly {
	return models.Anomaly{SensorID: "s1", Issue: models.IssueTemperatureTooHigh, Value: value}
}

func TestRepeatedValueForwardedOnce(t *testing.T) {
	d := NewDeduplicator(0, 0)

	forwarded := 0
	for cycle := 0; cycle < 3; cycle++ {
		forwarded += len(d.Filter("drone_alpha", []models.Anomaly{highTemp(95)}))
	}
	if forwarded != 1 {
		t.Errorf("forwarded %d times across three cycles, want 1", forwarded)
	}
}

func TestChangedValueForwardedAgain(t *testing.T) {
	d := NewDeduplicator(0, 0)

	d.Filter("drone_alpha", []models.Anomaly{highTemp(95)})
	d.Filter("drone_alpha", []models.Anomaly{highTemp(95)})
	fresh := d.Filter("drone_alpha", []models.Anomaly{highTemp(97)})
	if len(fresh) != 1 || fresh[0].Value != 97 {
		t.Fatalf("third cycle forwarded %+v, want the 97 reading", fresh)
	}
	if fresh[0].DroneID != "drone_alpha" {
		t.Errorf("DroneID = %q, want drone_alpha", fresh[0].DroneID)
	}
	if got := len(d.History()); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestKeysAreScopedPerDrone(t *testing.T) {
	d := NewDeduplicator(0, 0)

	d.Filter("drone_alpha", []models.Anomaly{highTemp(95)})
	if fresh := d.Filter("drone_beta", []models.Anomaly{highTemp(95)}); len(fresh) != 1 {
		t.Errorf("same key from another drone was suppressed")
	}

	humid := models.Anomaly{SensorID: "s1", Issue: models.IssueHumidityTooHigh, Value: 95}
	if fresh := d.Filter("drone_alpha", []models.Anomaly{humid}); len(fresh) != 1 {
		t.Errorf("different issue on the same sensor was suppressed")
	}
}

func TestForget(t *testing.T) {
	d := NewDeduplicator(0, 0)
	lost := models.Anomaly{SensorID: models.NotApplicable, Issue: models.IssueConnectionLost, Value: 45}

	d.Filter("drone_alpha", []models.Anomaly{lost})
	if fresh := d.Filter("drone_alpha", []models.Anomaly{lost}); len(fresh) != 0 {
		t.Fatalf("repeat was forwarded before Forget")
	}
	if !d.Forget("drone_alpha", models.NotApplicable, models.IssueConnectionLost) {
		t.Fatalf("Forget returned false for a known key")
	}
	if fresh := d.Filter("drone_alpha", []models.Anomaly{lost}); len(fresh) != 1 {
		t.Errorf("anomaly suppressed after Forget")
	}
	if d.Forget("drone_gamma", "s1", models.IssueHumidityTooLow) {
		t.Errorf("Forget succeeded for an unknown drone")
	}
}

func TestHistoryCap(t *testing.T) {
	d := NewDeduplicator(0, 3)
	for i := 0; i < 5; i++ {
		d.Filter("drone_alpha", []models.Anomaly{highTemp(100 + float64(i))})
	}
	history := d.History()
	if len(history) != 3 || history[0].Value != 102 {
		t.Errorf("history = %+v, want the last three values", history)
	}
}

func TestForgetAbsent(t *testing.T) {
	d := NewDeduplicator(0, 0)
	lostS3 := models.Anomaly{SensorID: "s3", Issue: models.IssueConnectionLost, Value: 45}
	lostS4 := models.Anomaly{SensorID: "s4", Issue: models.IssueConnectionLost, Value: 45}

	d.Filter("drone_alpha", []models.Anomaly{lostS3, lostS4, highTemp(95)})

	if n := d.ForgetAbsent("drone_alpha", models.IssueConnectionLost, []models.Anomaly{lostS4}); n != 1 {
		t.Fatalf("ForgetAbsent removed %d keys, want 1", n)
	}
	fresh := d.Filter("drone_alpha", []models.Anomaly{lostS3, lostS4, highTemp(95)})
	if len(fresh) != 1 || fresh[0].SensorID != "s3" {
		t.Errorf("after ForgetAbsent forwarded %+v, want only s3", fresh)
	}
	if n := d.ForgetAbsent("drone_gamma", models.IssueConnectionLost, nil); n != 0 {
		t.Errorf("ForgetAbsent on unknown drone removed %d keys", n)
	}
}
