package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Tasks
	mux.Handle("POST /api/v1/tasks", chain(http.HandlerFunc(h.CreateTask)))
	mux.Handle("GET /api/v1/tasks", chain(http.HandlerFunc(h.ListTasks)))
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", chain(http.HandlerFunc(h.CancelTask)))

	// Schemas
	mux.Handle("POST /api/v1/schemas", chain(http.HandlerFunc(h.CreateSchema)))
	mux.Handle("GET /api/v1/schemas/latest", chain(http.HandlerFunc(h.GetLatestSchema)))
	mux.Handle("GET /api/v1/schemas/{id}", chain(http.HandlerFunc(h.GetSchema)))

	// Quota
	mux.Handle("GET /api/v1/users/{id}/quota", chain(http.HandlerFunc(h.GetQuota)))

	// Health
	mux.Handle("GET /api/v1/health/providers", chain(http.HandlerFunc(h.ListProviderHealth)))
}
