package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/services"
)

func TestHealthzReportsBuildInfo(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.2.3", CommitSHA: "abc", Environment: "test", StartedAt: now.Add(-time.Minute)}),
		WithHealthClock(func() time.Time { return now }),
	)
	rec := serve(t, NewRouter(WithHealthHandlers(h)), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["version"] != "1.2.3" || body["commitSha"] != "abc" || body["environment"] != "test" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["uptime"] != "1m0s" {
		t.Fatalf("expected uptime 1m0s, got %v", body["uptime"])
	}
}

func TestReadyzHealthy(t *testing.T) {
	system := stubSystemService{report: services.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond}},
	}}
	rec := serve(t, NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(system)))), http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks map, got %v", body["checks"])
	}
	firestore, _ := checks["firestore"].(map[string]any)
	if firestore["status"] != "ok" || firestore["latencyMs"] != float64(3) {
		t.Fatalf("unexpected firestore check %v", firestore)
	}
	if _, present := body["details"]; present {
		t.Fatalf("expected no details for healthy report")
	}
}

func TestReadyzUnhealthy(t *testing.T) {
	system := stubSystemService{report: services.SystemHealthReport{
		Status: domain.HealthStatusError,
		Checks: map[string]domain.SystemHealthCheck{
			"firestore":   {Status: domain.HealthStatusOK},
			"catalog_api": {Status: domain.HealthStatusError, Error: "connection refused"},
			"pubsub":      {Status: domain.HealthStatusDegraded, Detail: "slow"},
		},
	}}
	rec := serve(t, NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(system)))), http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	details, _ := decodeBody(t, rec)["details"].([]any)
	if len(details) != 2 || details[0] != "catalog_api: connection refused" || details[1] != "pubsub: slow" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestReadyzReportError(t *testing.T) {
	system := stubSystemService{err: errors.New("boom")}
	rec := serve(t, NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(system)))), http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "health_unavailable" {
		t.Fatalf("expected health_unavailable, got %v", body["error"])
	}
}
