package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	requests atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fixture := &jwksFixture{key: key}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     "key1",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}}}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.requests.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "https://accounts.google.com",
		"aud":   "https://catalog.internal",
		"sub":   "1234",
		"email": "scheduler@project.iam.gserviceaccount.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestRequireServiceToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	validator := NewServiceTokenValidator(NewJWKSCache(fixture.server.URL, WithJWKSHTTPClient(fixture.server.Client())), nil, nil)
	policy := ServiceTokenPolicy{
		Audience:      "https://catalog.internal",
		Issuers:       []string{"https://accounts.google.com"},
		AllowedEmails: []string{"Scheduler@project.iam.gserviceaccount.com"},
	}

	wrongAudience := validClaims()
	wrongAudience["aud"] = "https://elsewhere"
	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.example"
	wrongEmail := validClaims()
	wrongEmail["email"] = "other@project.iam.gserviceaccount.com"
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "valid", token: fixture.sign(t, "key1", validClaims()), status: http.StatusNoContent},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "unknown kid", token: fixture.sign(t, "key2", validClaims()), status: http.StatusUnauthorized},
		{name: "audience mismatch", token: fixture.sign(t, "key1", wrongAudience), status: http.StatusUnauthorized},
		{name: "issuer mismatch", token: fixture.sign(t, "key1", wrongIssuer), status: http.StatusUnauthorized},
		{name: "caller not allowed", token: fixture.sign(t, "key1", wrongEmail), status: http.StatusForbidden},
		{name: "expired", token: fixture.sign(t, "key1", expired), status: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := validator.RequireServiceToken(policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				caller, ok := ServiceCallerFromContext(r.Context())
				if !ok || caller.Email != "scheduler@project.iam.gserviceaccount.com" {
					t.Fatalf("unexpected caller %+v", caller)
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodPost, "/internal/sync", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestJWKSCacheReusesKeysUntilExpiry(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewJWKSCache(fixture.server.URL,
		WithJWKSHTTPClient(fixture.server.Client()),
		WithJWKSClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if _, err := cache.Key(context.Background(), "key1"); err != nil {
			t.Fatalf("key: %v", err)
		}
	}
	if got := fixture.requests.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}

	now = now.Add(11 * time.Minute)
	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("key after expiry: %v", err)
	}
	if got := fixture.requests.Load(); got != 2 {
		t.Fatalf("expected refetch after max-age, got %d", got)
	}
}

func TestRequireServiceTokenUnconfigured(t *testing.T) {
	validator := NewServiceTokenValidator(nil, nil, nil)
	handler := validator.RequireServiceToken(ServiceTokenPolicy{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/sync", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
