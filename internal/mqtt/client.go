package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string // prefix; a random suffix is appended per process
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Client owns the broker connection. Publisher and Subscriber use the
// native paho client it exposes.
type Client struct {
	client   mqtt.Client
	clientID string
	broker   string

	mu    sync.Mutex
	hooks []func()
}

// NewClient connects to the broker. Paho reconnects on its own after that;
// hooks registered with OnConnect run after every (re)connection.
func NewClient(config ClientConfig) (*Client, error) {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 60 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	c := &Client{
		clientID: uniqueClientID(config.ClientID),
		broker:   config.Broker,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(c.clientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetAutoReconnect(true).
		SetKeepAlive(config.KeepAlive).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(config.ConnectTimeout).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			log.Printf("MQTT: unexpected message on %s", msg.Topic())
		}).
		SetOnConnectHandler(func(mqtt.Client) { c.connected() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("MQTT: connection to %s lost: %v", c.broker, err)
		})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timed out", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", config.Broker, err)
	}
	return c, nil
}

// OnConnect registers fn to run after every reconnection, e.g. to restore
// subscriptions. It does not run for the connection already established.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Client) connected() {
	log.Printf("MQTT: connected to %s as %s", c.broker, c.clientID)

	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}

// GetNativeClient returns the underlying paho client
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// ClientID returns the id the client registered with
func (c *Client) ClientID() string {
	return c.clientID
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects, giving in-flight messages 250ms
func (c *Client) Close() {
	c.client.Disconnect(250)
	log.Printf("MQTT: disconnected from %s", c.broker)
}

func uniqueClientID(prefix string) string {
	if prefix == "" {
		prefix = "drone-telemetry"
	}
	return prefix + "-" + uuid.NewString()[:8]
}
