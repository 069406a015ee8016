package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/httpapi"
)

// HealthController serves liveness and database readiness probes.
type HealthController struct {
	pool *pgxpool.Pool
}

func NewHealthController(pool *pgxpool.Pool) application.Controller {
	return &HealthController{pool: pool}
}

func (c *HealthController) Key() string {
	return "/health"
}

func (c *HealthController) Register(r *mux.Router) {
	r.HandleFunc("/health/live", c.live).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", c.ready).Methods(http.MethodGet)
}

func (c *HealthController) live(w http.ResponseWriter, _ *http.Request) {
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *HealthController) ready(w http.ResponseWriter, r *http.Request) {
	if c.pool == nil {
		_ = httpapi.WriteError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "database pool is not configured", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := c.pool.Ping(ctx); err != nil {
		_ = httpapi.WriteError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "database is not reachable", nil)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
