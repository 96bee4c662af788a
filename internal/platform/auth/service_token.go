package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ServiceCaller is the verified principal behind an internal request, typically a scheduler's service
// account.
type ServiceCaller struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceCallerKey struct{}

// WithServiceCaller attaches the caller to ctx.
func WithServiceCaller(ctx context.Context, caller *ServiceCaller) context.Context {
	return context.WithValue(ctx, serviceCallerKey{}, caller)
}

// ServiceCallerFromContext returns the caller stored by RequireServiceToken.
func ServiceCallerFromContext(ctx context.Context) (*ServiceCaller, bool) {
	caller, ok := ctx.Value(serviceCallerKey{}).(*ServiceCaller)
	return caller, ok && caller != nil
}

// ServiceTokenPolicy lists what an internal token must carry.
type ServiceTokenPolicy struct {
	Audience      string
	Issuers       []string
	AllowedEmails []string
}

// ServiceTokenValidator checks Google-signed OIDC tokens on internal endpoints.
type ServiceTokenValidator struct {
	keys    *JWKSCache
	logger  *zap.Logger
	metrics verificationMetrics
}

// NewServiceTokenValidator builds a validator around keys.
func NewServiceTokenValidator(keys *JWKSCache, logger *zap.Logger, meter metric.Meter) *ServiceTokenValidator {
	return &ServiceTokenValidator{keys: keys, logger: nopLogger(logger), metrics: newVerificationMetrics(meter)}
}

// RequireServiceToken enforces policy. An empty AllowedEmails list accepts any caller with the right
// audience and issuer.
func (v *ServiceTokenValidator) RequireServiceToken(policy ServiceTokenPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	issuers := toSet(policy.Issuers, false)
	emails := toSet(policy.AllowedEmails, true)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if v == nil || v.keys == nil || audience == "" {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "service token verification not configured")
				return
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				v.metrics.record(ctx, "oidc", "token_missing")
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "service token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.keys.Keyfunc(ctx)); err != nil {
				status, reason := http.StatusUnauthorized, "token_invalid"
				if errors.Is(err, ErrJWKSFetchFailed) {
					status, reason = http.StatusServiceUnavailable, "jwks_unavailable"
				}
				v.reject(ctx, w, status, reason, err)
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(issuers) > 0 {
				if _, ok := issuers[issuer]; !ok {
					v.reject(ctx, w, http.StatusUnauthorized, "issuer_mismatch", nil)
					return
				}
			}
			if !claims.VerifyAudience(audience, true) {
				v.reject(ctx, w, http.StatusUnauthorized, "audience_mismatch", nil)
				return
			}
			email, _ := claims["email"].(string)
			if len(emails) > 0 {
				if _, ok := emails[strings.ToLower(email)]; !ok {
					v.reject(ctx, w, http.StatusForbidden, "caller_not_allowed", nil)
					return
				}
			}

			subject, _ := claims["sub"].(string)
			v.metrics.record(ctx, "oidc", "ok")
			next.ServeHTTP(w, r.WithContext(WithServiceCaller(ctx, &ServiceCaller{Subject: subject, Email: email, Issuer: issuer})))
		})
	}
}

func (v *ServiceTokenValidator) reject(ctx context.Context, w http.ResponseWriter, status int, reason string, err error) {
	v.logger.Debug("service token rejected", zap.String("reason", reason), zap.Error(err))
	v.metrics.record(ctx, "oidc", reason)
	respondAuthError(w, status, "invalid_token", "service token verification failed")
}

func toSet(values []string, lower bool) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if lower {
			value = strings.ToLower(value)
		}
		if value != "" {
			out[value] = struct{}{}
		}
	}
	return out
}
