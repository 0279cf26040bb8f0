package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/events", h.ListTaskEvents)
		r.Delete("/tasks/{id}", h.CancelTask)

		// Agents
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.DeregisterAgent)
		r.Post("/agents/{id}/heartbeat", h.HeartbeatAgent)
		r.Get("/agents/{id}/events", h.ListAgentEvents)

		// System
		r.Get("/system/status", h.SystemStatus)
		r.Get("/system/config", h.SystemConfig)
	})

	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}
}
