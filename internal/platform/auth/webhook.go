package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultClockSkew       = 5 * time.Minute
	maxWebhookBody         = 1 << 20
)

// NonceStore remembers webhook nonces until they expire.
type NonceStore interface {
	// UseNonce records nonce and reports false when it was already seen.
	UseNonce(ctx context.Context, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	expiry map[string]time.Time
}

// NewMemoryNonceStore constructs an empty store.
func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{now: now, expiry: make(map[string]time.Time)}
}

// UseNonce implements NonceStore. Expired entries are swept on each call.
func (s *MemoryNonceStore) UseNonce(_ context.Context, nonce string, expiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, exp := range s.expiry {
		if !now.Before(exp) {
			delete(s.expiry, key)
		}
	}
	if _, seen := s.expiry[nonce]; seen {
		return false, nil
	}
	s.expiry[nonce] = expiry
	return true, nil
}

// WebhookConfig describes how the upstream catalog signs webhook deliveries.
type WebhookConfig struct {
	Secret          string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// WebhookVerifier authenticates catalog webhooks. The signature is HMAC-SHA256 over
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)), encoded as hex or base64.
type WebhookVerifier struct {
	secret          []byte
	signatureHeader string
	timestampHeader string
	nonceHeader     string
	skew            time.Duration
	nonceTTL        time.Duration
	nonces          NonceStore
	now             func() time.Time
	logger          *zap.Logger
	metrics         verificationMetrics
}

// WebhookOption customises WebhookVerifier.
type WebhookOption func(*WebhookVerifier)

// WithWebhookClock injects a time source.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithWebhookLogger sets the logger for rejected deliveries.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(v *WebhookVerifier) {
		v.logger = nopLogger(logger)
	}
}

// WithWebhookMeter overrides the meter used for verification counters.
func WithWebhookMeter(meter metric.Meter) WebhookOption {
	return func(v *WebhookVerifier) {
		v.metrics = newVerificationMetrics(meter)
	}
}

// NewWebhookVerifier validates cfg and builds a verifier. A nil nonce store gets a memory store.
func NewWebhookVerifier(cfg WebhookConfig, nonces NonceStore, opts ...WebhookOption) (*WebhookVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: webhook secret is required")
	}
	v := &WebhookVerifier{
		secret:          []byte(secret),
		signatureHeader: headerOrDefault(cfg.SignatureHeader, defaultSignatureHeader),
		timestampHeader: headerOrDefault(cfg.TimestampHeader, defaultTimestampHeader),
		nonceHeader:     headerOrDefault(cfg.NonceHeader, defaultNonceHeader),
		skew:            cfg.ClockSkew,
		nonceTTL:        cfg.NonceTTL,
		now:             time.Now,
		logger:          zap.NewNop(),
	}
	if v.skew <= 0 {
		v.skew = defaultClockSkew
	}
	if v.nonceTTL <= 0 {
		v.nonceTTL = v.skew
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.metrics.counter == nil {
		v.metrics = newVerificationMetrics(nil)
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore(v.now)
	}
	v.nonces = nonces
	return v, nil
}

// RequireSignature rejects deliveries with a missing, stale, replayed or wrong signature. The body is
// restored for the next handler.
func (v *WebhookVerifier) RequireSignature() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			signature, err := decodeSignature(r.Header.Get(v.signatureHeader))
			if err != nil {
				v.reject(ctx, w, http.StatusUnauthorized, "signature_missing")
				return
			}
			rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			timestamp, err := parseSignatureTimestamp(rawTimestamp)
			if err != nil {
				v.reject(ctx, w, http.StatusUnauthorized, "timestamp_invalid")
				return
			}
			now := v.now()
			if d := now.Sub(timestamp); d > v.skew || d < -v.skew {
				v.reject(ctx, w, http.StatusUnauthorized, "timestamp_skew")
				return
			}
			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if nonce == "" {
				v.reject(ctx, w, http.StatusUnauthorized, "nonce_missing")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				v.reject(ctx, w, http.StatusBadRequest, "body_unreadable")
				return
			}
			expected := SignWebhook(v.secret, r.Method, r.URL.EscapedPath(), rawTimestamp, nonce, body)
			if !hmac.Equal(signature, expected) {
				v.reject(ctx, w, http.StatusUnauthorized, "signature_mismatch")
				return
			}

			fresh, err := v.nonces.UseNonce(ctx, nonce, now.Add(v.nonceTTL))
			if err != nil {
				v.logger.Warn("webhook nonce store failed", zap.Error(err))
				v.reject(ctx, w, http.StatusServiceUnavailable, "nonce_store_error")
				return
			}
			if !fresh {
				v.reject(ctx, w, http.StatusUnauthorized, "nonce_replay")
				return
			}

			v.metrics.record(ctx, "hmac", "ok")
			next.ServeHTTP(w, r)
		})
	}
}

func (v *WebhookVerifier) reject(ctx context.Context, w http.ResponseWriter, status int, reason string) {
	v.logger.Debug("webhook rejected", zap.String("reason", reason))
	v.metrics.record(ctx, "hmac", reason)
	respondAuthError(w, status, reason, "webhook signature verification failed")
}

// SignWebhook computes the raw signature for a delivery. Senders and tests share it.
func SignWebhook(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	_, _ = io.WriteString(mac, strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
	return mac.Sum(nil)
}

func headerOrDefault(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "sha256="))
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
