package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/wesm/sessiontrack/internal/auth"
	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// retryAfterSeconds is advertised on 503 responses for a store
// that is temporarily unavailable.
const retryAfterSeconds = "1"

// writeJSON writes v as JSON with the given HTTP status code.
// Logs a warning if JSON encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encoding response: %v", err)
	}
}

// writeError writes a JSON error response with the given status
// and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleContextError detects context.Canceled and
// context.DeadlineExceeded errors, returning true so the
// caller stops processing. It does NOT write an HTTP
// response: the withTimeout middleware handles that via
// http.TimeoutHandler (503). Writing here would race with
// the middleware's buffered response.
func handleContextError(_ http.ResponseWriter, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// writeServiceError maps a tracking or analytics error to its
// HTTP status. Unclassified errors are logged and returned as a
// generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tracking.ErrStoreUnavailable):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
	case handleContextError(w, err):
	case errors.Is(err, timeutil.ErrInvalidTimeFormat),
		errors.Is(err, tracking.ErrInvalidPageVisit),
		errors.Is(err, tracking.ErrMissingScope):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, tracking.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracking.ErrInvalidTransition),
		errors.Is(err, tracking.ErrDuplicateActiveSession),
		errors.Is(err, tracking.ErrNonMonotonicTimestamp):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON request body into dst, writing a 400
// and returning false on failure. An empty body leaves dst as is
// when optional is set.
func decodeBody(
	w http.ResponseWriter, r *http.Request, dst any, optional bool,
) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}
