// Package kotae provides a Go client for the kotae answer API.
package kotae

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the kotae API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the server's Retry-After hint in seconds on 429 responses.
	RetryAfter int
}

func (e *Error) Error() string {
	return fmt.Sprintf("kotae: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404. Runs owned by someone else
// also report 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool { return statusIs(err, http.StatusBadRequest) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }
