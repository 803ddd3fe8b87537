package driveapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification. Use
// errors.Is(err, driveapi.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("driveapi: bad request")
	ErrUnauthorized = errors.New("driveapi: unauthorized")
	ErrForbidden    = errors.New("driveapi: forbidden")
	ErrNotFound     = errors.New("driveapi: not found")
	ErrGone         = errors.New("driveapi: change token expired")
	ErrThrottled    = errors.New("driveapi: throttled")
	ErrServerError  = errors.New("driveapi: server error")
)

// DriveError wraps a sentinel error with the HTTP status code and API
// error message body for debugging.
type DriveError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *DriveError) Error() string {
	return fmt.Sprintf("driveapi: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *DriveError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error. Returns
// nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be
// retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
