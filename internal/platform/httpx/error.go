// Package httpx holds the JSON response helpers shared by every handler group.
package httpx

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/catalogsync/api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
)

// Error is a client-facing failure. It renders as
// {"error": code, "message": ..., "status": ..., "request_id": ..., "trace_id": ...} with any
// details merged at the top level.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error. Status values outside 4xx/5xx become 500.
func NewError(code, message string, status int) Error {
	if status < http.StatusBadRequest || status > 599 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLen),
		Message: clean(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy carrying extra top-level fields. Reserved envelope keys are ignored.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		if reservedKey(k) {
			continue
		}
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders err, tagging it with the request and trace ids found in ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	body := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		body[k] = v
	}
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = err.Status
	if id := clean(middleware.GetReqID(ctx), maxIDLen); id != "" {
		body["request_id"] = id
	}
	if id := clean(requestctx.TraceID(ctx), maxIDLen); id != "" {
		body["trace_id"] = id
	}
	WriteJSON(w, err.Status, body)
}

func reservedKey(key string) bool {
	switch key {
	case "error", "message", "status", "request_id", "trace_id":
		return true
	}
	return false
}

// clean flattens control characters to spaces and truncates to limit bytes.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
