package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/catalogsync/api/internal/platform/httpx"
)

const (
	// HeaderKey carries the client-chosen idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed marks a response served from the store.
	HeaderReplayed = "Idempotent-Replayed"

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

type guardConfig struct {
	ttl      time.Duration
	required bool
	caller   func(context.Context) string
	now      func() time.Time
	logger   *zap.Logger
}

// Option customises Middleware.
type Option func(*guardConfig)

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *guardConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithKeyRequired rejects mutating requests that omit the key.
func WithKeyRequired() Option {
	return func(cfg *guardConfig) {
		cfg.required = true
	}
}

// WithCaller scopes keys to the caller returned by resolve, so two callers may use the same key.
func WithCaller(resolve func(context.Context) string) Option {
	return func(cfg *guardConfig) {
		if resolve != nil {
			cfg.caller = resolve
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cfg *guardConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *guardConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Middleware guards POST, PUT, PATCH and DELETE requests that carry an Idempotency-Key. The first
// request runs and its response is stored; a retry with the same key and body gets the stored response
// back, a concurrent retry gets 409, and a retry with a different body gets 422. Server errors are not
// stored so the caller may retry them.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := guardConfig{
		ttl:    DefaultTTL,
		caller: func(context.Context) string { return "" },
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(HeaderKey))
			if key == "" {
				if cfg.required {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", HeaderKey+" header is required", http.StatusBadRequest))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", HeaderKey+" is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body could not be read", http.StatusBadRequest))
				return
			}
			caller := cfg.caller(ctx)
			scoped := caller + "\x00" + key
			fingerprint := hashHex([]byte(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery + "\n" + hashHex(body)))

			state, entry, err := store.Reserve(ctx, scoped, fingerprint, cfg.now().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				cfg.logger.Error("idempotency reserve failed", zap.Error(err), zap.String("caller", caller))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
				return
			}

			switch state {
			case StateCompleted:
				replay(w, entry)
				return
			case StatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			rec := &capture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// Release on 5xx so the retry runs again; a failed release only delays it until expiry.
			if rec.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(context.WithoutCancel(ctx), scoped); err != nil {
					cfg.logger.Warn("idempotency release failed", zap.Error(err))
				}
				return
			}
			entry.Status = rec.statusCode()
			entry.Header = w.Header().Clone()
			entry.Body = rec.body.Bytes()
			if err := store.Complete(context.WithoutCancel(ctx), entry, cfg.now().UTC(), cfg.ttl); err != nil {
				cfg.logger.Warn("idempotency complete failed", zap.Error(err))
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, errors.New("idempotency: request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, entry Entry) {
	header := w.Header()
	for name, values := range entry.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(HeaderReplayed, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

// capture tees the response body while passing it through.
type capture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func (c *capture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}
