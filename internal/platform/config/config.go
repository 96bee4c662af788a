package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultLogLevel            = "info"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStorageDriver       = "firestore"
	defaultCatalogTimeout      = 10 * time.Second
	defaultCatalogRatePerSec   = 5.0
	defaultCatalogBurst        = 5
	defaultUnmatchedPolicy     = "leave"
	defaultRemovalConcurrency  = 8
	defaultWorkerConcurrency   = 4
	defaultSecurityEnvironment = "local"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencySweep    = 15 * time.Minute
	defaultIdempotencyBatch    = 200
	defaultRedisDialTimeout    = 2 * time.Second
	defaultRedisTimeout        = time.Second
	defaultRedisMaxRetries     = 2
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	CatalogAPI  CatalogAPIConfig
	Sync        SyncConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	LogLevel     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for admin authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters. Driver "memory" keeps documents in process for local runs.
type FirestoreConfig struct {
	Driver       string
	ProjectID    string
	EmulatorHost string
}

// CatalogAPIConfig points at the upstream catalog API.
type CatalogAPIConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	RatePerSec  float64
	Burst       int
}

// SyncConfig controls reconciliation behaviour and the Pub/Sub sync worker.
type SyncConfig struct {
	UnmatchedVariantPolicy string
	RemovalConcurrency     int
	PubSubProjectID        string
	Topic                  string
	Subscription           string
	WorkerEnabled          bool
	WorkerConcurrency      int
}

// IdempotencyConfig controls replay of retried admin and internal mutations.
type IdempotencyConfig struct {
	// Driver selects the key store: memory, firestore or redis. Empty follows Firestore.Driver.
	Driver         string
	TTL            time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int
}

// RedisConfig configures the optional Redis connection.
type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	Timeout     time.Duration
	MaxRetries  int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL       string
	Audience      string
	Issuers       []string
	AllowedEmails []string
}

// HMACConfig captures catalog webhook signing expectations.
type HMACConfig struct {
	Secret          string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map using the same precedence as
// Load (dotenv < OS env < explicit env map) so dependencies such as the secret fetcher can be built first.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return collectEnvironment(options)
}

func collectEnvironment(options loaderOptions) (map[string]string, error) {
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "CatalogAPI.AccessToken").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	values, err := collectEnvironment(options)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			LogLevel:     strings.ToLower(stringWithDefault(lookup, "API_LOG_LEVEL", defaultLogLevel)),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			Driver:       strings.ToLower(stringWithDefault(lookup, "API_FIRESTORE_DRIVER", defaultStorageDriver)),
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		CatalogAPI: CatalogAPIConfig{
			BaseURL:     strings.TrimRight(stringWithDefault(lookup, "API_CATALOG_BASE_URL", ""), "/"),
			AccessToken: stringWithDefault(lookup, "API_CATALOG_ACCESS_TOKEN", ""),
			Timeout:     durationWithDefault(lookup, "API_CATALOG_TIMEOUT", defaultCatalogTimeout),
			RatePerSec:  floatWithDefault(lookup, "API_CATALOG_RATE_PER_SEC", defaultCatalogRatePerSec),
			Burst:       intWithDefault(lookup, "API_CATALOG_BURST", defaultCatalogBurst),
		},
		Sync: SyncConfig{
			UnmatchedVariantPolicy: strings.ToLower(stringWithDefault(lookup, "API_SYNC_UNMATCHED_VARIANT_POLICY", defaultUnmatchedPolicy)),
			RemovalConcurrency:     intWithDefault(lookup, "API_SYNC_REMOVAL_CONCURRENCY", defaultRemovalConcurrency),
			PubSubProjectID:        stringWithDefault(lookup, "API_SYNC_PUBSUB_PROJECT_ID", ""),
			Topic:                  stringWithDefault(lookup, "API_SYNC_TOPIC", ""),
			Subscription:           stringWithDefault(lookup, "API_SYNC_SUBSCRIPTION", ""),
			WorkerEnabled:          boolWithDefault(lookup, "API_SYNC_WORKER_ENABLED", true),
			WorkerConcurrency:      intWithDefault(lookup, "API_SYNC_WORKER_CONCURRENCY", defaultWorkerConcurrency),
		},
		Idempotency: IdempotencyConfig{
			Driver:         strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_DRIVER", "")),
			TTL:            durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			SweepInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_SWEEP_INTERVAL", defaultIdempotencySweep),
			SweepBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_SWEEP_BATCH_SIZE", defaultIdempotencyBatch),
		},
		Redis: RedisConfig{
			Addr:        stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Username:    stringWithDefault(lookup, "API_REDIS_USERNAME", ""),
			Password:    stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:          intWithDefault(lookup, "API_REDIS_DB", 0),
			DialTimeout: durationWithDefault(lookup, "API_REDIS_DIAL_TIMEOUT", defaultRedisDialTimeout),
			Timeout:     durationWithDefault(lookup, "API_REDIS_TIMEOUT", defaultRedisTimeout),
			MaxRetries:  intWithDefault(lookup, "API_REDIS_MAX_RETRIES", defaultRedisMaxRetries),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:       stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:      stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:       csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
				AllowedEmails: csvWithDefault(lookup, "API_SECURITY_OIDC_ALLOWED_EMAILS"),
			},
			HMAC: HMACConfig{
				Secret:          stringWithDefault(lookup, "API_SECURITY_HMAC_SECRET", ""),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"CatalogAPI.AccessToken", &cfg.CatalogAPI.AccessToken},
		{"Security.HMAC.Secret", &cfg.Security.HMAC.Secret},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Idempotency.Driver == "" {
		cfg.Idempotency.Driver = cfg.Firestore.Driver
	}
	if cfg.Sync.PubSubProjectID == "" {
		cfg.Sync.PubSubProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Firestore.Driver {
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case "memory":
	default:
		missing = append(missing, "Firestore.Driver")
	}
	if cfg.CatalogAPI.BaseURL == "" {
		missing = append(missing, "CatalogAPI.BaseURL")
	}
	if cfg.CatalogAPI.Timeout <= 0 {
		missing = append(missing, "CatalogAPI.Timeout")
	}
	switch cfg.Sync.UnmatchedVariantPolicy {
	case "leave", "soft_delete":
	default:
		missing = append(missing, "Sync.UnmatchedVariantPolicy")
	}
	if cfg.Sync.RemovalConcurrency <= 0 {
		missing = append(missing, "Sync.RemovalConcurrency")
	}
	if cfg.Sync.WorkerEnabled && cfg.Sync.Subscription != "" && cfg.Sync.WorkerConcurrency <= 0 {
		missing = append(missing, "Sync.WorkerConcurrency")
	}
	switch cfg.Idempotency.Driver {
	case "memory":
	case "firestore":
		if cfg.Firestore.Driver != "firestore" {
			missing = append(missing, "Firestore.Driver")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Idempotency.Driver")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
