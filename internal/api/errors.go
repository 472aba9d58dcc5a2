package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
)

var (
	ErrUnknownChain   = errors.New("no fork url configured for chain")
	ErrSessionUnknown = errors.New("stateful simulation not found")
)

// httpError carries the status a failure maps to.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &httpError{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

func statusOf(err error) int {
	var (
		herr   *httpError
		maxErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &herr):
		return herr.status
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnknownChain), errors.Is(err, ErrSessionUnknown):
		return http.StatusNotFound
	}
	// engine.ExecutionError, engine.OverrideError and fork failures
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Warn("Simulation request failed", "status", status, "err", err)
	} else {
		log.Debug("Rejected simulation request", "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Message: err.Error()})
}
