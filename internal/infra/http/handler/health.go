package handler

import (
	"encoding/json"
	"net/http"

	"github.com/openctemio/gateway/internal/infra/redis"
)

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	redis *redis.Client
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(client *redis.Client) *HealthHandler {
	return &HealthHandler{redis: client}
}

// Health handles GET /health. Liveness only.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

// Ready handles GET /ready. The gateway is ready when Redis answers;
// without it neither rate limiting nor the permission caches work.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Ping(r.Context()); err != nil {
		writeStatus(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
