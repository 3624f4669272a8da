// ABOUTME: JSON request decoding, response writing and error-to-status mapping
// ABOUTME: Every error body is {"error": "..."}; internal failures are logged, never echoed

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/enroll"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// Request body limits.
const (
	maxSmallBody  = 64 << 10
	maxScriptBody = 512 << 10
	// A finish report carries up to MaxOutputBytes each of stdout and stderr, JSON-escaped.
	maxFinishBody = 4*jobs.MaxOutputBytes + 64<<10
	maxInventory  = 8 << 20
)

// errEmptyBody is returned by decodeJSON for a request with no body.
var errEmptyBody = errors.New("request body is required")

// writeJSON writes v as JSON with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a JSON body of at most limit bytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		default:
			return errors.New("invalid JSON body")
		}
	}
	return nil
}

// errorStatus maps a service error onto an HTTP status. Unknown errors are 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrAgentNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, enroll.ErrAgentNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, enroll.ErrBadSecret):
		return http.StatusUnauthorized
	case errors.Is(err, jobs.ErrNotJobOwner):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrAgentRevoked),
		errors.Is(err, jobs.ErrJobTerminal):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidPayload),
		errors.Is(err, jobs.ErrInvalidStatus),
		errors.Is(err, enroll.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError writes err with its mapped status. 500s are logged and
// replaced with a generic message.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}
