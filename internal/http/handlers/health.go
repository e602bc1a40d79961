package handlers

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/device"
)

// StatsSource reports store and cache counts.
type StatsSource interface {
	Stats(ctx context.Context) (device.Stats, error)
}

// Counter reports a number of live connections.
type Counter func() int

// HealthHandler serves liveness and status endpoints
type HealthHandler struct {
	stats     StatsSource
	devices   Counter
	observers Counter
	clock     clock.Clock
	log       zerolog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(stats StatsSource, devices, observers Counter, clk clock.Clock, log zerolog.Logger) *HealthHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &HealthHandler{stats: stats, devices: devices, observers: observers, clock: clk, log: log}
}

// ServeHTTP handles GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleStatus handles GET /api/health
func (h *HealthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("health check failed")
		respondWithJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"status":  "unhealthy",
			"error":   "store unavailable",
		})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "healthy",
		"data":    stats,
	})
}

// HandlePing handles GET /api/ping
func (h *HealthHandler) HandlePing(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"message":          "pong",
		"timestamp":        h.clock.Now().UnixMilli(),
		"connectedDevices": h.devices(),
		"observers":        h.observers(),
	})
}
