package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"drone-telemetry/internal/models"
)

// subscribeClient is the part of mqtt.Client the subscriber needs
type subscribeClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Subscriber lets sensors publish readings through a broker instead of
// connecting to the drone over TCP. Readings go to the same sink as TCP ones.
type Subscriber struct {
	client       subscribeClient
	readingTopic string
	submit       func(models.SensorReading) bool
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	ReadingTopic string // e.g., "sensor/+/reading"
}

// NewSubscriber creates a subscriber that hands every reading to submit
func NewSubscriber(client subscribeClient, config SubscriberConfig, submit func(models.SensorReading) bool) *Subscriber {
	return &Subscriber{
		client:       client,
		readingTopic: config.ReadingTopic,
		submit:       submit,
	}
}

// SubscribeAll subscribes to the reading topic
func (s *Subscriber) SubscribeAll() error {
	if s.readingTopic == "" {
		return nil
	}
	token := s.client.Subscribe(s.readingTopic, 1, s.handleReading)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to reading topic: %w", token.Error())
	}
	log.Printf("Subscribed to reading topic: %s", s.readingTopic)
	return nil
}

// handleReading processes one reading published by a sensor
func (s *Subscriber) handleReading(_ mqtt.Client, msg mqtt.Message) {
	var reading models.SensorReading
	if err := json.Unmarshal(msg.Payload(), &reading); err != nil {
		log.Printf("Error unmarshaling reading from %s: %v", msg.Topic(), err)
		return
	}

	// Extract sensor ID from topic if not in payload
	if reading.SensorID == "" {
		reading.SensorID = extractSensorID(msg.Topic())
	}
	if reading.SensorID == "" {
		log.Printf("Could not extract sensor ID from topic: %s", msg.Topic())
		return
	}
	if reading.Timestamp == "" {
		reading.Timestamp = models.FormatTimestamp(time.Now())
	}

	s.submit(reading)
}

// extractSensorID extracts the sensor ID from an MQTT topic
// Example: "sensor/sensor_01/reading" -> "sensor_01"
func extractSensorID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
