package remote

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the remote API answers 401. It means the
// bearer token, or the server-side navigation context tied to it, is gone.
var ErrUnauthorized = errors.New("unauthorized")

// APIError represents a non-401 error response from the remote API.
type APIError struct {
	Op         string `json:"-"`
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API error (op %s, status %d): %s", e.Op, e.StatusCode, e.Message)
}

// ConnectionError wraps a transport-level failure: the request never got an
// HTTP response (dial, TLS, reset, timeout).
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("remote %s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// StatusCode extracts the HTTP status from err, or 0 when err carries none.
func StatusCode(err error) int {
	if errors.Is(err, ErrUnauthorized) {
		return 401
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
