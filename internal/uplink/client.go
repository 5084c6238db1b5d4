// Package uplink sends the drone's aggregated reports to the central collector.
package uplink

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"drone-telemetry/internal/metrics"
	"drone-telemetry/internal/models"
	"drone-telemetry/internal/wire"
)

// Config holds uplink configuration
type Config struct {
	DroneID      string
	CentralAddr  string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default uplink configuration
func DefaultConfig(droneID, centralAddr string) Config {
	return Config{
		DroneID:      droneID,
		CentralAddr:  centralAddr,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Client connects lazily and never retries on its own: a failed report is
// dropped and the caller's next cycle tries again.
type Client struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

// NewClient creates an uplink client
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		now:    time.Now,
	}
}

// SendToServer builds a report from the given values and writes it to the
// central collector, connecting first if needed.
func (c *Client) SendToServer(avgTemp, avgHumidity float64, anomalies []models.Anomaly, batteryLevel float64, status models.DroneStatus) error {
	if anomalies == nil {
		anomalies = []models.Anomaly{}
	}
	report := models.AggregatedReport{
		DroneID:            c.config.DroneID,
		Timestamp:          models.FormatTimestamp(c.now()),
		AverageTemperature: avgTemp,
		AverageHumidity:    avgHumidity,
		BatteryLevel:       batteryLevel,
		Status:             status,
		Anomalies:          anomalies,
	}
	return c.Send(report)
}

// Send writes a prepared report
func (c *Client) Send(report models.AggregatedReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.connectLocked(); err != nil {
			metrics.UplinkFailures.Inc()
			return err
		}
	}

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := wire.WriteMessage(c.conn, report); err != nil {
		log.Printf("Uplink: send to %s failed, marking disconnected: %v", c.config.CentralAddr, err)
		c.closeLocked()
		metrics.UplinkFailures.Inc()
		return err
	}
	return nil
}

// Connected reports whether the client currently holds a connection
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close drops the connection; the next send reconnects
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) connectLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.config.CentralAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to central server at %s: %w", c.config.CentralAddr, err)
	}
	c.conn = conn
	c.connected = true
	log.Printf("Uplink: connected to central server at %s", c.config.CentralAddr)
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}
