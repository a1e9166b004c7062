package server

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/teranos/cadence/logger"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	owned := s.requireOwner

	s.mux.HandleFunc("GET /health", s.HandleHealth)

	// Jobs
	s.mux.HandleFunc("GET /api/jobs", owned(s.HandleListJobs))
	s.mux.HandleFunc("POST /api/jobs", owned(s.HandleCreateJob))
	s.mux.HandleFunc("GET /api/jobs/stats", owned(s.HandleJobStats))
	s.mux.HandleFunc("GET /api/jobs/forecast", owned(s.HandleForecast))
	s.mux.HandleFunc("GET /api/jobs/{id}", owned(s.HandleGetJob))
	s.mux.HandleFunc("PATCH /api/jobs/{id}", owned(s.HandleUpdateJob))
	s.mux.HandleFunc("PUT /api/jobs/{id}/update", owned(s.HandleUpdateJob)) // original client route
	s.mux.HandleFunc("DELETE /api/jobs/{id}", owned(s.HandleDeleteJob))
	s.mux.HandleFunc("POST /api/jobs/{id}/pause", owned(s.HandlePauseJob))
	s.mux.HandleFunc("POST /api/jobs/{id}/resume", owned(s.HandleResumeJob))
	s.mux.HandleFunc("POST /api/jobs/{id}/toggle", owned(s.HandleToggleJob))
	s.mux.HandleFunc("PUT /api/jobs/{id}/toggle", owned(s.HandleToggleJob)) // original client route
	s.mux.HandleFunc("POST /api/jobs/{id}/rerun", owned(s.HandleRerunJob))

	// Execution logs
	s.mux.HandleFunc("GET /api/logs", owned(s.HandleLogs))
	s.mux.HandleFunc("GET /api/logs/recent", owned(s.HandleRecentLogs))

	// Notification inbox
	s.mux.HandleFunc("GET /api/notifications", owned(s.HandleListNotifications))
	s.mux.HandleFunc("PATCH /api/notifications/read-all", owned(s.HandleMarkAllRead))
	s.mux.HandleFunc("PATCH /api/notifications/mark-all-read", owned(s.HandleMarkAllRead)) // original client route
	s.mux.HandleFunc("PATCH /api/notifications/{id}/read", owned(s.HandleMarkRead))
	s.mux.HandleFunc("DELETE /api/notifications/{id}", owned(s.HandleDeleteNotification))
	s.mux.HandleFunc("DELETE /api/notifications", owned(s.HandleClearNotifications))

	// Live events
	s.mux.HandleFunc("GET /api/events", owned(s.HandleEvents))
	s.mux.HandleFunc("GET /ws", owned(s.HandleWebSocket))
}

// requireOwner rejects requests without an owner header
func (s *Server) requireOwner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ownerID(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+OwnerHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldOwnerID, ownerID(r),
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}
