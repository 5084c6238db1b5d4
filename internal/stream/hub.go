package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"drone-telemetry/internal/models"
)

// Message types pushed to dashboard clients
const (
	TypeReport      = "report"
	TypeAnomalies   = "anomalies"
	TypeConnections = "connections"
	TypeStatus      = "status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the JSON frame sent to every client
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub maintains the set of active clients and broadcasts collector events.
// It implements events.Consumer.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run owns the client set until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket client registered: %s", client.addr())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("WebSocket client unregistered: %s", client.addr())
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					log.Printf("WebSocket client %s send buffer full, removing", client.addr())
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of registered clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the connection to the hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// Publish queues one envelope for every client. Never blocks.
func (h *Hub) Publish(msgType string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		log.Printf("Error marshalling %s for broadcast: %v", msgType, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("Warning: WebSocket broadcast queue full, dropping %s", msgType)
	}
}

func (h *Hub) OnReportReceived(report models.AggregatedReport) {
	h.Publish(TypeReport, report)
}

func (h *Hub) OnAnomalies(droneID string, anomalies []models.Anomaly) {
	h.Publish(TypeAnomalies, map[string]interface{}{
		"drone_id":  droneID,
		"anomalies": anomalies,
	})
}

func (h *Hub) OnConnectionCountChanged(tier string, count int) {
	h.Publish(TypeConnections, map[string]interface{}{
		"tier":  tier,
		"count": count,
	})
}

func (h *Hub) OnDroneStatusChanged(droneID string, status models.DroneStatus, battery, temperature, humidity float64) {
	h.Publish(TypeStatus, models.DroneState{
		DroneID:     droneID,
		Status:      status,
		Battery:     battery,
		Temperature: temperature,
		Humidity:    humidity,
	})
}
