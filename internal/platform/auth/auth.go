// Package auth verifies the three caller classes of the catalog service: operators and hosts signing in
// with Firebase, internal schedulers presenting Google-signed OIDC tokens, and the upstream catalog
// posting signed webhooks.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const defaultVerifyTimeout = 5 * time.Second

// verificationMetrics counts verification attempts per caller class and outcome.
type verificationMetrics struct {
	counter metric.Int64Counter
}

func newVerificationMetrics(meter metric.Meter) verificationMetrics {
	if meter == nil {
		meter = otel.Meter("github.com/catalogsync/api/internal/platform/auth")
	}
	counter, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Caller verification attempts by kind and outcome"))
	if err != nil {
		return verificationMetrics{}
	}
	return verificationMetrics{counter: counter}
}

func (m verificationMetrics) record(ctx context.Context, kind, reason string) {
	if m.counter == nil {
		return
	}
	m.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", reason),
	))
}

func nopLogger(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
