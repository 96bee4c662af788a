package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID": "sync-dev",
		"API_CATALOG_BASE_URL":    "https://open.example.com/v1/",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "sync-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Firestore.Driver != "firestore" {
		t.Errorf("expected firestore driver, got %s", cfg.Firestore.Driver)
	}
	if cfg.CatalogAPI.BaseURL != "https://open.example.com/v1" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.CatalogAPI.BaseURL)
	}
	if cfg.CatalogAPI.Timeout != defaultCatalogTimeout {
		t.Errorf("unexpected catalog timeout %s", cfg.CatalogAPI.Timeout)
	}
	if cfg.Sync.UnmatchedVariantPolicy != "leave" {
		t.Errorf("expected leave policy, got %s", cfg.Sync.UnmatchedVariantPolicy)
	}
	if cfg.Sync.RemovalConcurrency != defaultRemovalConcurrency {
		t.Errorf("unexpected removal concurrency %d", cfg.Sync.RemovalConcurrency)
	}
	if cfg.Sync.PubSubProjectID != "sync-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.Sync.PubSubProjectID)
	}
	if !cfg.Sync.WorkerEnabled {
		t.Errorf("expected worker enabled by default")
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if !reflect.DeepEqual(cfg.Security.OIDC.Issuers, []string{defaultSecurityIssuer}) {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Server.LogLevel)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL || cfg.Idempotency.SweepBatchSize != defaultIdempotencyBatch {
		t.Errorf("unexpected idempotency defaults %+v", cfg.Idempotency)
	}
	if len(cfg.Security.OIDC.AllowedEmails) != 0 {
		t.Errorf("expected no allowed emails by default, got %v", cfg.Security.OIDC.AllowedEmails)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                   "9090",
		"API_SERVER_IDLE_TIMEOUT":           "2m",
		"API_FIREBASE_PROJECT_ID":           "sync-prod",
		"API_FIRESTORE_PROJECT_ID":          "sync-store",
		"API_CATALOG_BASE_URL":              "https://open.example.com",
		"API_CATALOG_ACCESS_TOKEN":          "secret://catalog/token",
		"API_CATALOG_TIMEOUT":               "3s",
		"API_CATALOG_RATE_PER_SEC":          "2.5",
		"API_CATALOG_BURST":                 "10",
		"API_SYNC_UNMATCHED_VARIANT_POLICY": "SOFT_DELETE",
		"API_SYNC_REMOVAL_CONCURRENCY":      "16",
		"API_SYNC_TOPIC":                    "catalog-sync",
		"API_SYNC_SUBSCRIPTION":             "catalog-sync-worker",
		"API_SYNC_WORKER_ENABLED":           "off",
		"API_SECURITY_ENVIRONMENT":          "prod",
		"API_SECURITY_OIDC_AUDIENCE":        "https://sync.example.com",
		"API_SECURITY_OIDC_ISSUERS":         "https://accounts.google.com, https://issuer.example.com",
		"API_SECURITY_HMAC_SECRET":          "sm://catalog/webhook",
		"API_SECURITY_HMAC_CLOCK_SKEW":      "3m",
	}

	secrets := map[string]string{
		"secret://catalog/token":   "token-value",
		"secret://catalog/webhook": "webhook-value",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.ProjectID != "sync-store" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.CatalogAPI.AccessToken != "token-value" {
		t.Errorf("expected resolved catalog token, got %s", cfg.CatalogAPI.AccessToken)
	}
	if cfg.CatalogAPI.Timeout != 3*time.Second {
		t.Errorf("unexpected catalog timeout %s", cfg.CatalogAPI.Timeout)
	}
	if cfg.CatalogAPI.RatePerSec != 2.5 || cfg.CatalogAPI.Burst != 10 {
		t.Errorf("unexpected rate settings %v/%d", cfg.CatalogAPI.RatePerSec, cfg.CatalogAPI.Burst)
	}
	if cfg.Sync.UnmatchedVariantPolicy != "soft_delete" {
		t.Errorf("expected lower-cased policy, got %s", cfg.Sync.UnmatchedVariantPolicy)
	}
	if cfg.Sync.RemovalConcurrency != 16 {
		t.Errorf("unexpected removal concurrency %d", cfg.Sync.RemovalConcurrency)
	}
	if cfg.Sync.Topic != "catalog-sync" || cfg.Sync.Subscription != "catalog-sync-worker" {
		t.Errorf("unexpected pubsub names %s/%s", cfg.Sync.Topic, cfg.Sync.Subscription)
	}
	if cfg.Sync.WorkerEnabled {
		t.Errorf("expected worker disabled")
	}
	if cfg.Security.OIDC.Audience != "https://sync.example.com" {
		t.Errorf("unexpected oidc audience %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected two issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.Secret != "webhook-value" {
		t.Errorf("expected legacy sm:// reference to resolve, got %s", cfg.Security.HMAC.Secret)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "# local\nexport API_SERVER_PORT=7070\nAPI_FIRESTORE_DRIVER=memory\nAPI_CATALOG_BASE_URL=\"http://localhost:9000\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Firestore.Driver)
	}
	if cfg.CatalogAPI.BaseURL != "http://localhost:9000" {
		t.Errorf("expected quoted dotenv value to be unquoted, got %s", cfg.CatalogAPI.BaseURL)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	env := map[string]string{"API_SYNC_UNMATCHED_VARIANT_POLICY": "purge"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	want := []string{"Firestore.ProjectID", "CatalogAPI.BaseURL", "Sync.UnmatchedVariantPolicy"}
	if !reflect.DeepEqual(validation.Fields(), want) {
		t.Fatalf("expected fields %v, got %v", want, validation.Fields())
	}
}

func TestLoadIdempotencyDriver(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Idempotency.Driver != "firestore" {
		t.Fatalf("expected idempotency driver to follow firestore driver, got %s", cfg.Idempotency.Driver)
	}

	env := baseEnv()
	env["API_IDEMPOTENCY_DRIVER"] = "redis"
	_, err = Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !reflect.DeepEqual(validation.Fields(), []string{"Redis.Addr"}) {
		t.Fatalf("expected Redis.Addr to be required, got %v", validation.Fields())
	}

	env["API_REDIS_ADDR"] = "127.0.0.1:6379"
	env["API_REDIS_DB"] = "3"
	cfg, err = Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Redis.DB != 3 || cfg.Redis.Timeout != defaultRedisTimeout || cfg.Redis.MaxRetries != defaultRedisMaxRetries {
		t.Fatalf("unexpected redis config %+v", cfg.Redis)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_CATALOG_ACCESS_TOKEN"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_CATALOG_BURST=3\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SYNC_TOPIC", "os-topic")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_CATALOG_BURST"]; got != "3" {
		t.Fatalf("expected dotenv value, got %s", got)
	}
	if got := values["API_SYNC_TOPIC"]; got != "os-topic" {
		t.Fatalf("expected system env value, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("CatalogAPI.AccessToken"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("CatalogAPI.AccessToken")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Security.HMAC.Secret" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	_, _ = Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Security.HMAC.Secret"),
		WithPanicOnMissingSecrets(),
	)
}
