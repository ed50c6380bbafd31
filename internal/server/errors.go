// Package server provides the HTTP API of the lead pipeline: webhook intake,
// scrape submission, job and trigger control, and lead inspection.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/lead-pipeline/internal/lifecycle"
	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/scheduler"
	"github.com/jonathan/lead-pipeline/internal/schemas"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates the addressed resource does not exist
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ErrInvalidKey indicates a token request with a wrong key
type ErrInvalidKey struct{}

func (e *ErrInvalidKey) Error() string {
	return "invalid key"
}

// ErrConflict indicates the request conflicts with the resource's state
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// HTTPStatus returns the appropriate HTTP status code for an error. Typed
// server errors map directly; package sentinels are matched through wrapping.
func HTTPStatus(err error) int {
	switch err.(type) {
	case *ErrValidation, *schemas.ValidationError:
		return http.StatusBadRequest
	case *ErrNotFound:
		return http.StatusNotFound
	case *ErrInvalidKey:
		return http.StatusUnauthorized
	case *ErrConflict:
		return http.StatusConflict
	}

	switch {
	case errors.Is(err, lifecycle.ErrLeadNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownTrigger):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidEvent),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, queue.ErrUnknownQueue):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
