// Package idempotency replays the stored response of a mutating request when a caller retries it with
// the same Idempotency-Key, so queued syncs and membership changes are not applied twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a completed response can be replayed.
const DefaultTTL = 24 * time.Hour

// State is the lifecycle position of a key.
type State int

const (
	// StateNew means the caller acquired the key and must run the request.
	StateNew State = iota
	// StatePending means another request holds the key.
	StatePending
	// StateCompleted means a stored response is available.
	StateCompleted
)

// ErrFingerprintMismatch reports a key reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// Entry is a reserved or completed key.
type Entry struct {
	Key         string
	Fingerprint string
	Completed   bool
	Status      int
	Header      http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e Entry) state() State {
	if e.Completed {
		return StateCompleted
	}
	return StatePending
}

// Store persists key reservations and responses. Keys are already scoped to the caller.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error)
	Complete(ctx context.Context, entry Entry, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)
}

// documentID maps a scoped key onto a fixed-width identifier safe for any backend.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func hashHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// replayableHeader drops hop-by-hop and per-response headers from stored responses.
func replayableHeader(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade", "trailer", "x-request-id":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}
