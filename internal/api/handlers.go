package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"drone-telemetry/internal/power"
	"drone-telemetry/internal/stream"
)

// Tier is what every tier exposes to the HTTP surface
type Tier interface {
	Disconnect(id string) bool
}

// DroneControls are the operator toggles only the edge tier has
type DroneControls interface {
	SetStreamActive(active bool)
	SetBatteryThreshold(threshold float64) error
}

type Handler struct {
	tier   Tier
	status func() interface{}
	hub    *stream.Hub
	drone  DroneControls
}

// NewHandler builds the handler for a tier. hub and drone may be nil.
func NewHandler(tier Tier, status func() interface{}, hub *stream.Hub, drone DroneControls) *Handler {
	return &Handler{tier: tier, status: status, hub: hub, drone: drone}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status serves the tier's current snapshot
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// Disconnect evicts the connection bound to {id}
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.tier.Disconnect(id) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"disconnected": id})
}

// SetStream pauses or resumes aggregation, e.g. POST /stream?active=false
func (h *Handler) SetStream(w http.ResponseWriter, r *http.Request) {
	active, err := strconv.ParseBool(r.URL.Query().Get("active"))
	if err != nil {
		http.Error(w, "Bad Request: active must be a boolean", http.StatusBadRequest)
		return
	}
	h.drone.SetStreamActive(active)
	writeJSON(w, http.StatusOK, map[string]bool{"stream_active": active})
}

// SetThreshold changes the return-to-base threshold, e.g. POST /battery/threshold?value=25
func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	value, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		http.Error(w, "Bad Request: value must be a number", http.StatusBadRequest)
		return
	}
	if err := h.drone.SetBatteryThreshold(value); err != nil {
		if errors.Is(err, power.ErrInvalidThreshold) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"battery_threshold": value})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: error encoding response: %v", err)
	}
}
