package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// OwnerHeader carries the caller's identity. Authentication happens upstream.
const OwnerHeader = "X-Owner-ID"

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// errorResponse is the JSON body of every error reply
type errorResponse struct {
	Error   string   `json:"error"`
	Hints   []string `json:"hints,omitempty"`
	Details []string `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeWrappedError maps err onto a status code and writes it. Server errors
// are logged with context and their message is not exposed.
func writeWrappedError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err, logger.FieldStatus, status)
		writeError(w, status, context)
		return
	}

	writeJSON(w, status, errorResponse{
		Error:   err.Error(),
		Hints:   errors.GetAllHints(err),
		Details: errors.GetAllDetails(err),
	})
}

// readJSON decodes a JSON request body, writing a 400 on failure
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return err
	}
	return nil
}

// ownerID returns the caller. Browsers cannot set headers on EventSource or
// websocket requests, so the ownerId query parameter is accepted as well.
func ownerID(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
		return owner
	}
	return strings.TrimSpace(r.URL.Query().Get("ownerId"))
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewInvalidRequestError("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}
