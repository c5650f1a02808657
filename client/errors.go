package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a package or version is not found.
	ErrNotFound = errors.New("not found")

	// ErrNetwork is matched by every registry failure that is not a 404:
	// transport errors, non-2xx responses, malformed bodies, open breakers.
	ErrNetwork = errors.New("registry request failed")
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsNotFound returns true if the error represents a 404 response.
func (e *HTTPError) IsNotFound() bool {
	return e.StatusCode == 404
}

func (e *HTTPError) Unwrap() error {
	return ErrNetwork
}

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Ecosystem string
	Name      string
	Version   string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("%s: package %s version %s not found", e.Ecosystem, e.Name, e.Version)
	}
	return fmt.Sprintf("%s: package %s not found", e.Ecosystem, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// RateLimitError is returned when the registry rate limits requests.
type RateLimitError struct {
	URL        string
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %d seconds", e.URL, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrNetwork
}

// NetworkError reports a request that never produced a usable response:
// DNS or dial failures, timeouts, open circuit breakers and undecodable bodies.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}
