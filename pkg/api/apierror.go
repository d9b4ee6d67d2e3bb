// Package api provides the HTTP surface of the action orchestrator and its
// RFC 7807 Problem Detail error responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ohfixit/actiond/pkg/action"
	"github.com/ohfixit/actiond/pkg/captoken"
	"github.com/ohfixit/actiond/pkg/ledger"
	"github.com/ohfixit/actiond/pkg/orchestrate"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to the request id for correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://ohfixit.dev/errors/%d", status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient scope"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response (invalid state transitions).
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteUnavailable writes a 503 error response for retryable storage failures.
func WriteUnavailable(w http.ResponseWriter, detail string) {
	w.Header().Set("Retry-After", "5")
	WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps orchestration-layer errors onto the taxonomy the
// caller needs to distinguish "fix your input" from "try again later".
// Policy errors reject and are never retried; storage errors are retryable.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrate.ErrUnmappedCheck),
		errors.Is(err, action.ErrActionNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, action.ErrMissingParameter),
		errors.Is(err, action.ErrInvalidParameter),
		errors.Is(err, captoken.ErrUnknownScope):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, captoken.ErrInvalidToken),
		errors.Is(err, captoken.ErrMalformedToken):
		WriteUnauthorized(w, "Invalid or expired token")
	case errors.Is(err, orchestrate.ErrInvalidTransition),
		errors.Is(err, orchestrate.ErrApprovalExpired):
		WriteConflict(w, err.Error())
	case errors.Is(err, orchestrate.ErrProposalNotFound),
		errors.Is(err, orchestrate.ErrApprovalNotFound),
		errors.Is(err, ledger.ErrLogNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, ledger.ErrStorage):
		WriteUnavailable(w, "Persistence temporarily unavailable; retry with the same payload")
	default:
		WriteInternal(w, err)
	}
}
