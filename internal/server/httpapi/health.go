package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/logging"
)

// Pinger is anything whose reachability /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler serves /health with one check per named dependency. Failure
// details go to the log only.
type HealthHandler struct {
	checks map[string]Pinger
	logger logging.Logger
}

func NewHealthHandler(checks map[string]Pinger, l logging.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: l}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn(ctx, "health check failed", "check", name, "error", err)
			resp.Checks[name] = "down"
			resp.Status = "unhealthy"
			continue
		}
		resp.Checks[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
