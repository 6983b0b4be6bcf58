package client

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// StatusError is a non-2xx response from the backend
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: backend error (status %d)", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: backend error (status %d): %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

var retryableCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// IsRetryable reports whether err is a transient backend failure
func IsRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return slices.Contains(retryableCodes, se.StatusCode)
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
