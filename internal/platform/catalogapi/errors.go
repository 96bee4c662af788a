package catalogapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error describes a failed catalog API call. Body holds a truncated upstream response for logs only.
type Error struct {
	Op         string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalogapi: %s %s: status %d", e.Op, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("catalogapi: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether upstream answered 404.
func (e *Error) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

// IsUnauthorized reports whether the token was rejected.
func (e *Error) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Temporary reports whether a retry may succeed: timeouts, throttling and 5xx responses.
func (e *Error) Temporary() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == 0 && (errors.Is(e.Err, context.DeadlineExceeded) || e.Op == "transport")
}
