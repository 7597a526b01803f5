package api

import (
	"net/http"
	"time"

	"github.com/snarg/ptt-relay/internal/database"
	"github.com/snarg/ptt-relay/internal/relay"
)

type HealthHandler struct {
	db        *database.DB
	engine    *relay.Engine
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, engine *relay.Engine, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		engine:    engine,
		version:   version,
		startTime: startTime,
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UptimeSecs  int64  `json:"uptime_seconds"`
	Database    string `json:"database"`
	Connections int64  `json:"connections"`
	Channels    int    `json:"channels"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Version:    h.version,
		UptimeSecs: int64(time.Since(h.startTime).Seconds()),
		Database:   "ok",
	}

	if err := h.db.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
	}

	if h.engine != nil {
		stats := h.engine.Stats()
		resp.Connections = stats.Connections
		resp.Channels = stats.Channels
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}
