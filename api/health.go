package api

import (
	"net/http"
	"time"

	"github.com/poiesic/curupira/provider"
)

const (
	healthHealthy  = "healthy"
	healthDegraded = "degraded"
)

// handleHealth reports healthy when storage is open and every provider
// passed its health check, degraded otherwise. The status code is always 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    healthHealthy,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Storage:   "unknown",
		Providers: map[string]providerHealthJSON{},
	}

	if s.health != nil {
		resp.Storage = "open"
		if !s.health.Healthy() {
			resp.Storage = "closed"
			resp.Status = healthDegraded
		}
		for src, h := range s.health.ProviderHealth(r.Context()) {
			resp.Providers[string(src)] = providerHealthJSON{
				Status:    string(h.Status),
				LatencyMs: h.Latency.Milliseconds(),
				Error:     h.Error,
			}
			if h.Status != provider.StatusHealthy {
				resp.Status = healthDegraded
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics reports operation timings since the process started.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
