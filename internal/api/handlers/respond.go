package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/markdave123-py/docpipe/internal/core/cache"
	"github.com/markdave123-py/docpipe/internal/core/processing_engine"
	"github.com/markdave123-py/docpipe/internal/core/taskqueue"
	"github.com/markdave123-py/docpipe/internal/models"
)

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err: err} }

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	var br badRequestError
	switch {
	case errors.As(err, &br),
		errors.Is(err, models.ErrInvalidSource),
		errors.Is(err, processing_engine.ErrInvalidOptions),
		errors.Is(err, cache.ErrInvalidTenant):
		return http.StatusBadRequest
	case errors.Is(err, processing_engine.ErrNoQueue),
		errors.Is(err, taskqueue.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
