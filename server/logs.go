package server

import (
	"net/http"

	"github.com/teranos/cadence/job"
)

// HandleLogs pages the caller's execution logs, optionally for one job (?jobId=)
func (s *Server) HandleLogs(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid page")
		return
	}
	limit, err := queryInt(r, "limit", job.DefaultPageLimit)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid limit")
		return
	}

	logs, err := s.engine.JobLogs(r.Context(), ownerID(r), r.URL.Query().Get("jobId"), page, limit)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// HandleRecentLogs returns the caller's newest logs across all jobs
func (s *Server) HandleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid limit")
		return
	}

	logs, err := s.engine.RecentLogs(r.Context(), ownerID(r), limit)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list recent logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs, "count": len(logs)})
}
