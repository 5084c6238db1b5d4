package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"drone-telemetry/internal/models"
)

// publishClient is the part of mqtt.Client the publisher needs
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	ReportTopic  string // e.g., "drone/{drone_id}/report"
	AnomalyTopic string // e.g., "drone/{drone_id}/anomaly"
	StatusTopic  string // e.g., "drone/{drone_id}/status", published retained
	QueueSize    int
}

// StatusMessage is the retained payload published on the status topic
type StatusMessage struct {
	DroneID     string             `json:"drone_id"`
	Status      models.DroneStatus `json:"status"`
	Battery     float64            `json:"battery_level"`
	Temperature float64            `json:"average_temperature"`
	Humidity    float64            `json:"average_humidity"`
	Timestamp   string             `json:"timestamp"`
}

type outbound struct {
	topic    string
	retained bool
	payload  interface{}
}

// Publisher mirrors central-tier events to MQTT topics. It is an
// events.Consumer: callbacks only queue, Start does the publishing.
type Publisher struct {
	client publishClient
	config PublisherConfig
	outbox chan outbound
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(client publishClient, config PublisherConfig) *Publisher {
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	return &Publisher{
		client: client,
		config: config,
		outbox: make(chan outbound, config.QueueSize),
	}
}

// Start publishes queued messages until ctx is cancelled
func (p *Publisher) Start(ctx context.Context) {
	log.Println("MQTT Publisher: Starting...")

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT Publisher: Context cancelled, shutting down...")
			return

		case msg := <-p.outbox:
			if err := p.publish(msg); err != nil {
				log.Printf("Error publishing to %s: %v", msg.topic, err)
			}
		}
	}
}

func (p *Publisher) publish(msg outbound) error {
	payload, err := json.Marshal(msg.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := p.client.Publish(msg.topic, 1, msg.retained, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to publish: %w", token.Error())
	}
	return nil
}

func (p *Publisher) enqueue(topic string, retained bool, payload interface{}) {
	if topic == "" {
		return
	}
	select {
	case p.outbox <- outbound{topic: topic, retained: retained, payload: payload}:
	default:
		log.Printf("Warning: MQTT outbox full, dropping message for %s", topic)
	}
}

func (p *Publisher) OnReportReceived(report models.AggregatedReport) {
	p.enqueue(formatTopic(p.config.ReportTopic, report.DroneID), false, report)
}

func (p *Publisher) OnAnomalies(droneID string, anomalies []models.Anomaly) {
	topic := formatTopic(p.config.AnomalyTopic, droneID)
	for _, a := range anomalies {
		p.enqueue(topic, false, a)
	}
}

func (p *Publisher) OnConnectionCountChanged(string, int) {}

func (p *Publisher) OnDroneStatusChanged(droneID string, status models.DroneStatus, battery, temperature, humidity float64) {
	p.enqueue(formatTopic(p.config.StatusTopic, droneID), true, StatusMessage{
		DroneID:     droneID,
		Status:      status,
		Battery:     battery,
		Temperature: temperature,
		Humidity:    humidity,
		Timestamp:   models.FormatTimestamp(time.Now()),
	})
}

// formatTopic replaces {drone_id} placeholder with actual drone ID
func formatTopic(topicPattern, droneID string) string {
	return strings.ReplaceAll(topicPattern, "{drone_id}", droneID)
}
