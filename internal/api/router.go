package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"drone-telemetry/internal/metrics"
)

// SetupRouter mounts the observability and control endpoints of one tier
func SetupRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/status", h.Status)
	r.Post("/connections/{id}/disconnect", h.Disconnect)

	if h.hub != nil {
		r.Get("/ws", h.hub.ServeWS)
	}
	if h.drone != nil {
		r.Post("/stream", h.SetStream)
		r.Post("/battery/threshold", h.SetThreshold)
	}
	return r
}
