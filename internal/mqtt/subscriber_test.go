package mqtt

import (
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"drone-telemetry/internal/models"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeSubscribeClient struct {
	topic   string
	handler mqtt.MessageHandler
}

func (f *fakeSubscribeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.topic = topic
	f.handler = callback
	return newFakeToken(nil)
}

func TestExtractSensorID(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"sensor/sensor_01/reading", "sensor_01"},
		{"sensor/abc", "abc"},
		{"sensor", ""},
	}
	for _, tt := range tests {
		if got := extractSensorID(tt.topic); got != tt.want {
			t.Errorf("extractSensorID(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestSubscriberForwardsReadings(t *testing.T) {
	client := &fakeSubscribeClient{}
	var got []models.SensorReading
	sub := NewSubscriber(client, SubscriberConfig{ReadingTopic: "sensor/+/reading"}, func(r models.SensorReading) bool {
		got = append(got, r)
		return true
	})

	if err := sub.SubscribeAll(); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	if client.topic != "sensor/+/reading" {
		t.Fatalf("subscribed to %q", client.topic)
	}

	client.handler(nil, &fakeMessage{
		topic:   "sensor/sensor_7/reading",
		payload: []byte(`{"timestamp":"2024-01-01T00:00:00Z","temperature":21.5,"humidity":40}`),
	})
	client.handler(nil, &fakeMessage{
		topic:   "sensor/sensor_8/reading",
		payload: []byte(`not json`),
	})

	if len(got) != 1 {
		t.Fatalf("expected 1 forwarded reading, got %d", len(got))
	}
	if got[0].SensorID != "sensor_7" {
		t.Errorf("sensor id = %q, want id taken from topic", got[0].SensorID)
	}
	if got[0].Temperature != 21.5 || got[0].Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("unexpected reading %+v", got[0])
	}
}

func TestSubscriberFillsMissingTimestamp(t *testing.T) {
	client := &fakeSubscribeClient{}
	var got models.SensorReading
	sub := NewSubscriber(client, SubscriberConfig{ReadingTopic: "sensor/+/reading"}, func(r models.SensorReading) bool {
		got = r
		return true
	})
	if err := sub.SubscribeAll(); err != nil {
		t.Fatal(err)
	}

	client.handler(nil, &fakeMessage{
		topic:   "sensor/x/reading",
		payload: []byte(`{"sensor_id":"sensor_1","temperature":20,"humidity":50}`),
	})
	if got.SensorID != "sensor_1" {
		t.Fatalf("payload sensor id should win, got %q", got.SensorID)
	}
	if got.Timestamp == "" {
		t.Fatal("timestamp should be filled in")
	}
}

func TestSubscriberWithoutTopicIsNoop(t *testing.T) {
	client := &fakeSubscribeClient{}
	sub := NewSubscriber(client, SubscriberConfig{}, func(models.SensorReading) bool { return true })
	if err := sub.SubscribeAll(); err != nil {
		t.Fatal(err)
	}
	if client.handler != nil {
		t.Fatal("should not subscribe without a topic")
	}
}
