// Package handlers holds the plain HTTP endpoints next to the websocket
// endpoint. Currently that is only the health check.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping() error
}

// ConnectionCounter reports the number of live connections.
type ConnectionCounter interface {
	Len() int
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	logger  *slog.Logger
	store   Pinger
	conns   ConnectionCounter
	version string
}

// NewHealthHandler creates the health check handler.
func NewHealthHandler(logger *slog.Logger, store Pinger, conns ConnectionCounter, version string) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		store:   store,
		conns:   conns,
		version: version,
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Connections int    `json:"connections"`
}

// Health handles GET /healthz. Degraded storage turns the status to
// "degraded" with a 503, so orchestrators stop routing new connections
// while existing ones keep draining.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Version:     h.version,
		Connections: h.conns.Len(),
	}
	status := http.StatusOK

	if err := h.store.Ping(); err != nil {
		h.logger.Error("Health check: storage unreachable", "error", err)
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}
