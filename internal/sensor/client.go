// Package sensor implements the sensor node: it samples temperature and
// humidity, ships readings to its drone and reconnects when the link drops.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"drone-telemetry/internal/models"
	"drone-telemetry/internal/wire"
)

var (
	ErrBroken          = errors.New("sensor is broken")
	ErrNotConnected    = errors.New("sensor is not connected")
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
)

// Value ranges for simulated readings
const (
	TemperatureMin = 20.0
	TemperatureMax = 30.0
	HumidityMin    = 30.0
	HumidityMax    = 60.0
	AnomalyMax     = 1000.0

	TemperatureAnomalyMin = 90.0
	HumidityAnomalyMin    = 80.0
)

// Config holds sensor client configuration
type Config struct {
	SensorID           string
	DroneAddr          string
	MinInterval        time.Duration
	MaxInterval        time.Duration
	AnomalyProbability float64
	MaxAttempts        int
	RetryPause         time.Duration // wait after a failed reconnect round before trying again
	FailureProbability float64       // chance per cycle of breaking; 0 disables the simulation
	RepairDuration     time.Duration
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig returns the default configuration for one sensor
func DefaultConfig(sensorID, droneAddr string) Config {
	return Config{
		SensorID:           sensorID,
		DroneAddr:          droneAddr,
		MinInterval:        4 * time.Second,
		MaxInterval:        6 * time.Second,
		AnomalyProbability: 0.15,
		MaxAttempts:        5,
		RetryPause:         10 * time.Second,
		RepairDuration:     30 * time.Second,
		DialTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

// BackoffDelay returns the wait after the given failed attempt: 2^attempt seconds
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Dialer opens the connection to the drone
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customises a Client
type Option func(*Client)

// WithDialer replaces the network dialer
func WithDialer(dial Dialer) Option {
	return func(c *Client) { c.dial = dial }
}

// WithSleeper replaces the function used for every wait
func WithSleeper(sleep Sleeper) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRand replaces the random source
func WithRand(r *rand.Rand) Option {
	return func(c *Client) { c.rng = r }
}

// Client is one sensor node
type Client struct {
	config Config
	dial   Dialer
	sleep  Sleeper
	now    func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	conn      net.Conn
	connected bool
	broken    bool
	repairAt  time.Time
}

// NewClient creates a sensor client
func NewClient(config Config, opts ...Option) *Client {
	dialer := &net.Dialer{Timeout: config.DialTimeout}
	c := &Client{
		config: config,
		dial:   dialer.DialContext,
		sleep:  sleepContext,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.MaxAttempts <= 0 {
		c.config.MaxAttempts = 5
	}
	return c
}

// ID returns the sensor id
func (c *Client) ID() string {
	return c.config.SensorID
}

// Connect opens a connection to the drone, replacing any previous one
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.broken {
		c.mu.Unlock()
		return ErrBroken
	}
	c.closeLocked()
	c.mu.Unlock()

	conn, err := c.dial(ctx, "tcp", c.config.DroneAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.config.DroneAddr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	log.Printf("Sensor %s: connected to drone at %s", c.config.SensorID, c.config.DroneAddr)
	return nil
}

// Reconnect drops the current connection and retries up to MaxAttempts
// times, waiting BackoffDelay(attempt) after each failure.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBroken) {
			return err
		}

		delay := BackoffDelay(attempt)
		log.Printf("Sensor %s: reconnect attempt %d/%d failed: %v (retrying in %v)",
			c.config.SensorID, attempt, c.config.MaxAttempts, err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return ErrReconnectFailed
}

// CollectReading samples the sensor. Each value independently has
// AnomalyProbability of being drawn from the anomalous range.
func (c *Client) CollectReading() (models.SensorReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return models.SensorReading{}, ErrBroken
	}

	temperature := c.uniformLocked(TemperatureMin, TemperatureMax)
	if c.rng.Float64() < c.config.AnomalyProbability {
		temperature = c.uniformLocked(TemperatureAnomalyMin, AnomalyMax)
	}
	humidity := c.uniformLocked(HumidityMin, HumidityMax)
	if c.rng.Float64() < c.config.AnomalyProbability {
		humidity = c.uniformLocked(HumidityAnomalyMin, AnomalyMax)
	}

	return models.SensorReading{
		SensorID:    c.config.SensorID,
		Timestamp:   models.FormatTimestamp(c.now()),
		Temperature: models.Round1(temperature),
		Humidity:    models.Round1(humidity),
	}, nil
}

// Send writes one reading. A write failure marks the connection dead.
func (c *Client) Send(reading models.SensorReading) error {
	c.mu.Lock()
	if c.broken {
		c.mu.Unlock()
		return ErrBroken
	}
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := wire.WriteMessage(conn, reading); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.closeLocked()
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// UpdateFailure runs one cycle of the failure simulation and reports whether
// the sensor is broken. A broken sensor is repaired once its deadline passes.
func (c *Client) UpdateFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.broken {
		if now.Before(c.repairAt) {
			return true
		}
		c.broken = false
		c.repairAt = time.Time{}
		log.Printf("Sensor %s: repaired", c.config.SensorID)
		return false
	}

	if c.config.FailureProbability > 0 && c.rng.Float64() < c.config.FailureProbability {
		c.broken = true
		c.repairAt = now.Add(c.config.RepairDuration)
		c.closeLocked()
		log.Printf("Sensor %s: simulated failure, repair in %v", c.config.SensorID, c.config.RepairDuration)
		return true
	}
	return false
}

// Connected reports whether the client holds a live connection
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Broken reports whether the failure simulation currently holds the sensor down
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Close drops the connection
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

// Run sends readings until ctx is done. If the very first connection cannot be
// established within MaxAttempts it returns an error; later outages are
// retried indefinitely.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		log.Printf("Sensor %s: %v", c.config.SensorID, err)
		if err := c.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sensor %s: initial connection failed: %w", c.config.SensorID, err)
		}
	}
	defer c.Close()

	for ctx.Err() == nil {
		if c.UpdateFailure() {
			if c.sleep(ctx, c.nextInterval()) != nil {
				break
			}
			continue
		}

		if !c.Connected() {
			if err := c.Reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Printf("Sensor %s: %v, pausing %v", c.config.SensorID, err, c.config.RetryPause)
				if c.sleep(ctx, c.config.RetryPause) != nil {
					break
				}
				continue
			}
		}

		if reading, err := c.CollectReading(); err == nil {
			if err := c.Send(reading); err != nil {
				log.Printf("Sensor %s: send failed: %v", c.config.SensorID, err)
			}
		}

		if c.sleep(ctx, c.nextInterval()) != nil {
			break
		}
	}
	return nil
}

func (c *Client) nextInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	lo, hi := c.config.MinInterval, c.config.MaxInterval
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rng.Int63n(int64(hi-lo)))
}

func (c *Client) uniformLocked(lo, hi float64) float64 {
	return lo + c.rng.Float64()*(hi-lo)
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
