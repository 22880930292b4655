// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/MGallo-Code/warden/internal/store"
)

// HealthChecker is a pingable dependency.
// Satisfied by *store.PostgresStore, *store.RedisSessionCache and store.NoopSessionCache.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckHealth handles GET /health: pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy (or Redis is disabled), 503 if either is down.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	postgresStatus := "ok"

	if err := h.RS.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			redisStatus = "disabled"
		} else {
			logError(r, "redis health check failed", err)
			redisStatus = "error"
		}
	}
	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", err)
		postgresStatus = "error"
	}

	status := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
