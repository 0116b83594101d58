// Package api provides the HTTP surface of the audit trail: the read-only
// trail endpoints, health probes and standardized error responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/audittrail/internal/access"
	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/internal/trail"
)

// Error codes used by the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates the request carried no usable credentials.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeForbidden indicates the viewer's role does not cover the request.
	ErrCodeForbidden = "forbidden"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeMethodNotAllowed indicates an unsupported HTTP method.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeAuditUnavailable indicates the audit store could not record a
	// required event, so the operation was refused.
	ErrCodeAuditUnavailable = "audit_unavailable"

	// ErrCodeTimeout indicates the query did not finish in time.
	ErrCodeTimeout = "timeout"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code for
// the request log.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeAuditUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorCodeFor classifies an error returned by the trail service.
func errorCodeFor(err error) (code, message string) {
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		return ErrCodeForbidden, "Your role does not permit this query"
	case errors.Is(err, trail.ErrInvalidArgument),
		errors.Is(err, audit.ErrInvalidAction),
		errors.Is(err, audit.ErrInvalidEntity):
		return ErrCodeValidation, err.Error()
	case errors.Is(err, audit.ErrPersistence), errors.Is(err, trail.ErrExportNotAudited):
		return ErrCodeAuditUnavailable, "The request could not be audited and was refused"
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout, "The query timed out"
	default:
		return ErrCodeInternal, "Internal server error"
	}
}

// writeServiceError maps err to a response. Server-side failures are logged
// with their cause, which is never sent to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code, message := errorCodeFor(err)
	status := StatusCodeMapping(code)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "trail request failed",
			slog.String("path", r.URL.Path),
			slog.String("error_code", code),
			slog.String("error", err.Error()),
		)
	}
	WriteError(w, r.Context(), status, code, message)
}
