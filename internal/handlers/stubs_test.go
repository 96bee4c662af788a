package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/platform/auth"
	"github.com/catalogsync/api/internal/services"
)

type stubCatalogReadService struct {
	publicFilter services.PublicListFilter
	adminFilter  services.AdminListFilter
	publicPage   domain.Page[services.PublicCatalogDocument]
	adminPage    domain.Page[services.AdminCatalogDocument]
	err          error
}

func (s *stubCatalogReadService) ListSaleEventProducts(_ context.Context, filter services.PublicListFilter) (domain.Page[services.PublicCatalogDocument], error) {
	s.publicFilter = filter
	return s.publicPage, s.err
}

func (s *stubCatalogReadService) ListAdminProducts(_ context.Context, filter services.AdminListFilter) (domain.Page[services.AdminCatalogDocument], error) {
	s.adminFilter = filter
	return s.adminPage, s.err
}

type stubBulkReconciler struct {
	upsertCmd  services.UpsertSetCommand
	removeCmd  services.RemoveSetCommand
	replaceCmd services.ReplaceSetCommand

	upserted      []services.AdminCatalogDocument
	removeResult  services.RemoveSetResult
	replaceResult services.ReplaceSetResult
	err           error
}

func (s *stubBulkReconciler) UpsertSet(_ context.Context, cmd services.UpsertSetCommand) ([]services.AdminCatalogDocument, error) {
	s.upsertCmd = cmd
	return s.upserted, s.err
}

func (s *stubBulkReconciler) RemoveSet(_ context.Context, cmd services.RemoveSetCommand) (services.RemoveSetResult, error) {
	s.removeCmd = cmd
	return s.removeResult, s.err
}

func (s *stubBulkReconciler) ReplaceSet(_ context.Context, cmd services.ReplaceSetCommand) (services.ReplaceSetResult, error) {
	s.replaceCmd = cmd
	return s.replaceResult, s.err
}

type stubSynchronizer struct {
	cmd    services.SyncCommand
	result services.SyncResult
	err    error
}

func (s *stubSynchronizer) Execute(_ context.Context, cmd services.SyncCommand) (services.SyncResult, error) {
	s.cmd = cmd
	return s.result, s.err
}

type stubTokens struct {
	token string
	err   error
}

func (s stubTokens) AccessToken(context.Context) (string, error) {
	return s.token, s.err
}

type stubDispatcher struct {
	cmd    services.QueueProductSyncCommand
	calls  int
	result services.QueueProductSyncResult
	err    error
}

func (s *stubDispatcher) QueueProductSync(_ context.Context, cmd services.QueueProductSyncCommand) (services.QueueProductSyncResult, error) {
	s.calls++
	s.cmd = cmd
	if s.result.Jobs == nil && s.err == nil {
		queued := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		for i, id := range cmd.ProductIDs {
			s.result.Jobs = append(s.result.Jobs, services.QueuedProductSync{
				JobID:     "job-" + string(rune('a'+i)),
				ProductID: id,
				QueuedAt:  queued,
			})
		}
	}
	return s.result, s.err
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

type stubAdminVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s stubAdminVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	token, ok := s.tokens[idToken]
	if !ok {
		return nil, errInvalidTestToken
	}
	return token, nil
}

var errInvalidTestToken = &testError{"invalid token"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

// newTestAdminAuthenticator accepts "operator" and "host-h1" bearer tokens.
func newTestAdminAuthenticator() *auth.AdminAuthenticator {
	return auth.NewAdminAuthenticator(stubAdminVerifier{tokens: map[string]*firebaseauth.Token{
		"operator": {UID: "op-1", Claims: map[string]any{"role": "operator"}},
		"host-h1":  {UID: "host-1", Claims: map[string]any{"role": "host", "hostId": "h1"}},
	}})
}

func serve(t *testing.T, handler http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func serveWithHeader(t *testing.T, handler http.Handler, target, key, value string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set(key, value)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}
