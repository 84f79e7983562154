// Package apierr defines the error taxonomy shared by the monitor's components
// and its mapping onto HTTP responses.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// NoDataMessage is returned to callers when the window contains no requests.
const NoDataMessage = "No requests found within the given time range. Please check your time range or request parameters."

// ValidationError reports bad or missing input. It is raised before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is a shorthand for building a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RemoteAPIError reports a failed call to the Cloudflare API: a transport
// failure, a non-2xx status, an API-level error list, or an unusable body.
type RemoteAPIError struct {
	Op         string // e.g. "graphql", "update filter"
	StatusCode int    // 0 when no response was received
	Message    string
	Retryable  bool
	Err        error
}

func (e *RemoteAPIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Op, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// EmptyResultError means the source returned no request records. It is an
// outcome, not a failure.
type EmptyResultError struct {
	Start time.Time
	End   time.Time
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("no requests between %s and %s", e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// InternalError wraps an unexpected condition. Its details are logged, never returned to callers.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps err onto the response status the HTTP surface reports.
func HTTPStatus(err error) int {
	var (
		verr   *ValidationError
		remote *RemoteAPIError
		empty  *EmptyResultError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &empty):
		return http.StatusNotFound
	case errors.As(err, &remote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the plain-text body that goes with HTTPStatus(err).
func PublicMessage(err error) string {
	var (
		verr   *ValidationError
		remote *RemoteAPIError
		empty  *EmptyResultError
	)
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.As(err, &empty):
		return NoDataMessage
	case errors.As(err, &remote):
		return "Error: " + remote.Error()
	default:
		return "internal error"
	}
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	var (
		verr   *ValidationError
		remote *RemoteAPIError
		empty  *EmptyResultError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &empty):
		return "no_data"
	case errors.As(err, &remote):
		return "remote"
	default:
		return "internal"
	}
}
