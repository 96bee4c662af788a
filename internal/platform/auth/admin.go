package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Admin roles carried in the Firebase custom claim.
const (
	RoleOperator = "operator"
	RoleHost     = "host"
)

const (
	defaultRoleClaim = "role"
	defaultHostClaim = "hostId"
)

// ErrHostScope is returned when a host tries to act on another host's sale events.
var ErrHostScope = errors.New("auth: host scope violation")

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// AdminIdentity is the authenticated operator or host behind an admin request.
type AdminIdentity struct {
	UID    string
	Email  string
	Role   string
	HostID string
}

// IsOperator reports whether the identity may act on every host.
func (i *AdminIdentity) IsOperator() bool {
	return i != nil && i.Role == RoleOperator
}

// ScopeHost returns the host filter to apply for a request. Operators may pass any host or none; hosts
// are pinned to their own host and get ErrHostScope when asking for another.
func (i *AdminIdentity) ScopeHost(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if i == nil {
		return "", ErrHostScope
	}
	if i.IsOperator() {
		return requested, nil
	}
	if requested != "" && requested != i.HostID {
		return "", ErrHostScope
	}
	return i.HostID, nil
}

type adminIdentityKey struct{}

// WithAdminIdentity stores the identity within the context for downstream handlers.
func WithAdminIdentity(ctx context.Context, identity *AdminIdentity) context.Context {
	return context.WithValue(ctx, adminIdentityKey{}, identity)
}

// AdminIdentityFromContext retrieves the identity stored by RequireAdmin.
func AdminIdentityFromContext(ctx context.Context) (*AdminIdentity, bool) {
	identity, ok := ctx.Value(adminIdentityKey{}).(*AdminIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// AdminAuthenticator turns Firebase ID tokens into admin identities.
type AdminAuthenticator struct {
	verifier  TokenVerifier
	roleClaim string
	hostClaim string
	timeout   time.Duration
	logger    *zap.Logger
	metrics   verificationMetrics
}

// AdminOption customises AdminAuthenticator.
type AdminOption func(*AdminAuthenticator)

// WithRoleClaim overrides the custom claim holding the admin role.
func WithRoleClaim(claim string) AdminOption {
	return func(a *AdminAuthenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithHostClaim overrides the custom claim holding a host's id.
func WithHostClaim(claim string) AdminOption {
	return func(a *AdminAuthenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.hostClaim = claim
		}
	}
}

// WithVerificationTimeout bounds each token verification.
func WithVerificationTimeout(d time.Duration) AdminOption {
	return func(a *AdminAuthenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAdminLogger sets the logger for rejected tokens.
func WithAdminLogger(logger *zap.Logger) AdminOption {
	return func(a *AdminAuthenticator) {
		a.logger = nopLogger(logger)
	}
}

// WithAdminMeter overrides the meter used for verification counters.
func WithAdminMeter(meter metric.Meter) AdminOption {
	return func(a *AdminAuthenticator) {
		a.metrics = newVerificationMetrics(meter)
	}
}

// NewAdminAuthenticator constructs the admin middleware factory.
func NewAdminAuthenticator(verifier TokenVerifier, opts ...AdminOption) *AdminAuthenticator {
	a := &AdminAuthenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		hostClaim: defaultHostClaim,
		timeout:   defaultVerifyTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.metrics.counter == nil {
		a.metrics = newVerificationMetrics(nil)
	}
	return a
}

// RequireAdmin rejects requests without a valid operator or host token.
func (a *AdminAuthenticator) RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "admin authentication unavailable")
				return
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.metrics.record(ctx, "firebase", "token_missing")
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				reason := "token_invalid"
				if firebaseauth.IsIDTokenExpired(err) {
					reason = "token_expired"
				}
				a.logger.Debug("admin token rejected", zap.String("reason", reason), zap.Error(err))
				a.metrics.record(ctx, "firebase", reason)
				respondAuthError(w, http.StatusUnauthorized, reason, "firebase id token verification failed")
				return
			}

			identity := &AdminIdentity{
				UID:    token.UID,
				Email:  stringClaim(token.Claims, "email"),
				Role:   strings.ToLower(stringClaim(token.Claims, a.roleClaim)),
				HostID: stringClaim(token.Claims, a.hostClaim),
			}
			switch {
			case identity.Role == RoleOperator:
			case identity.Role == RoleHost && identity.HostID != "":
			default:
				a.metrics.record(ctx, "firebase", "role_missing")
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity is neither an operator nor a host")
				return
			}

			a.metrics.record(ctx, "firebase", "ok")
			next.ServeHTTP(w, r.WithContext(WithAdminIdentity(ctx, identity)))
		})
	}
}

func stringClaim(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}
