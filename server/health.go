package server

import (
	"net/http"
	"time"

	"github.com/teranos/cadence/internal/version"
)

// HandleHealth reports liveness, build info, queue depth and observer count
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	health := map[string]interface{}{
		"status":    "ok",
		"state":     s.getState().String(),
		"version":   info.Version,
		"commit":    info.Short(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"observers": s.engine.Hub().Count(),
	}

	status := http.StatusOK
	if stats, err := s.engine.QueueStats(r.Context()); err != nil {
		s.logger.Warnw("Health check could not read queue stats", "error", err)
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		health["queue"] = stats
	}

	writeJSON(w, status, health)
}
