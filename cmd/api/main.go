package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/catalogsync/api/internal/di"
	"github.com/catalogsync/api/internal/handlers"
	"github.com/catalogsync/api/internal/platform/auth"
	"github.com/catalogsync/api/internal/platform/catalogapi"
	"github.com/catalogsync/api/internal/platform/config"
	pfirestore "github.com/catalogsync/api/internal/platform/firestore"
	"github.com/catalogsync/api/internal/platform/httpx"
	"github.com/catalogsync/api/internal/platform/idempotency"
	"github.com/catalogsync/api/internal/platform/jobs"
	"github.com/catalogsync/api/internal/platform/observability"
	"github.com/catalogsync/api/internal/platform/secrets"
	"github.com/catalogsync/api/internal/repositories"
	firestoreRepo "github.com/catalogsync/api/internal/repositories/firestore"
	"github.com/catalogsync/api/internal/repositories/memory"
	"github.com/catalogsync/api/internal/services"
)

const instrumentationName = "github.com/catalogsync/api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)
	events := observability.EventLogger(logger.Named("catalog"))

	catalogClient, err := catalogapi.NewClient(catalogapi.Config{
		BaseURL:    cfg.CatalogAPI.BaseURL,
		Timeout:    cfg.CatalogAPI.Timeout,
		RatePerSec: cfg.CatalogAPI.RatePerSec,
		Burst:      cfg.CatalogAPI.Burst,
	}, catalogapi.WithTracer(tracer))
	if err != nil {
		logger.Fatal("failed to initialise catalog API client", zap.Error(err))
	}
	tokens := catalogTokenSource(envValues, cfg, fetcher)

	var pubsubClient *pubsub.Client
	var publisher services.ProductSyncPublisher
	var topic *pubsub.Topic
	if cfg.Sync.Topic != "" || cfg.Sync.Subscription != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Sync.PubSubProjectID, firebaseClientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	}
	if pubsubClient != nil && cfg.Sync.Topic != "" {
		topic = pubsubClient.Topic(cfg.Sync.Topic)
		defer topic.Stop()
		syncPublisher, err := jobs.NewPubSubSyncPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise sync publisher", zap.Error(err))
		}
		publisher = syncPublisher
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Firestore.Driver == "firestore" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = newRedisClient(cfg.Redis)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	health, err := newHealthRepository(firestoreProvider, catalogClient, topic, redisClient)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	registry, err := newRegistry(cfg, firestoreProvider, health)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, di.Dependencies{
		Catalog:   catalogClient,
		Publisher: publisher,
		Build:     buildInfo,
		Logger:    events,
		Tracer:    tracer,
		Meter:     meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyStore, err := newIdempotencyStore(cfg.Idempotency, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	guard := idempotency.Middleware(idempotencyStore,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithCaller(handlers.CallerID),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	authLogger := logger.Named("auth")
	var adminVerifier auth.TokenVerifier
	if cfg.Firebase.ProjectID != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		adminVerifier = firebaseVerifier
	} else {
		authLogger.Warn("auth: firebase project not configured; admin routes will reject requests")
	}
	adminAuth := auth.NewAdminAuthenticator(adminVerifier, auth.WithAdminLogger(authLogger), auth.WithAdminMeter(meter))

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthSystemService(svc.System),
			handlers.WithHealthBuildInfo(buildInfo),
		)),
		handlers.WithPublicRoutes(handlers.NewPublicCatalogHandlers(svc.Catalog).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminCatalogHandlers(adminAuth, svc.Catalog, svc.Reconciler).WithMutationGuard(guard).Routes),
		handlers.WithInternalRoutes(handlers.NewInternalSyncHandlers(svc.Synchronizer, tokens, svc.Dispatcher).Routes),
		handlers.WithInternalMiddlewares(buildServiceTokenMiddleware(authLogger, cfg, meter), guard),
		handlers.WithWebhookRoutes(handlers.NewCatalogWebhookHandlers(svc.Dispatcher).Routes),
		handlers.WithWebhookMiddlewares(buildWebhookMiddleware(authLogger, cfg, meter)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	if cfg.Idempotency.SweepInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			sweepIdempotencyKeys(backgroundCtx, idempotencyStore, cfg.Idempotency, logger.Named("idempotency"))
		}()
	}
	if pubsubClient != nil && cfg.Sync.Subscription != "" && cfg.Sync.WorkerEnabled {
		worker, err := jobs.NewSyncWorker(jobs.SyncWorkerDeps{
			Synchronizer: svc.Synchronizer,
			Tokens:       tokens,
			Concurrency:  cfg.Sync.WorkerConcurrency,
			Logger:       events,
		})
		if err != nil {
			logger.Fatal("failed to initialise sync worker", zap.Error(err))
		}
		sub := pubsubClient.Subscription(cfg.Sync.Subscription)
		workerLogger := logger.Named("worker").With(zap.String("subscription", cfg.Sync.Subscription))
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			workerLogger.Info("sync worker started")
			if err := worker.Run(backgroundCtx, sub); err != nil {
				workerLogger.Error("sync worker stopped", zap.Error(err))
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("catalog sync api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		backgroundCancel()
		backgroundWG.Wait()
		return nil
	})
	if err := group.Wait(); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newIdempotencyStore(cfg config.IdempotencyConfig, provider *pfirestore.Provider, client *redis.Client) (idempotency.Store, error) {
	switch cfg.Driver {
	case "firestore":
		if provider == nil {
			return nil, errors.New("idempotency: firestore driver requires a firestore provider")
		}
		return idempotency.NewFirestoreStore(provider, ""), nil
	case "redis":
		if client == nil {
			return nil, errors.New("idempotency: redis driver requires API_REDIS_ADDR")
		}
		return idempotency.NewRedisStore(client, ""), nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

func sweepIdempotencyKeys(ctx context.Context, store idempotency.Store, cfg config.IdempotencyConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.Sweep(runCtx, time.Now().UTC(), cfg.SweepBatchSize)
			cancel()
			if err != nil {
				logger.Warn("idempotency sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency sweep removed expired keys", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newRegistry(cfg config.Config, provider *pfirestore.Provider, health repositories.HealthRepository) (repositories.Registry, error) {
	if cfg.Firestore.Driver == "memory" {
		return memory.NewRegistry(health, memory.WithIDGenerator(func() string {
			return ulid.Make().String()
		})), nil
	}
	if provider == nil {
		return nil, errors.New("firestore provider is required")
	}
	return firestoreRepo.NewRegistry(provider, health, time.Now)
}

// newHealthRepository probes firestore, the upstream catalog API and the sync topic. Firestore is the
// only critical dependency; the others degrade readiness.
func newHealthRepository(provider *pfirestore.Provider, catalog *catalogapi.Client, topic *pubsub.Topic, redisClient *redis.Client) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check:    provider.Ping,
		})
	}
	if catalog != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "catalog_api",
			Timeout: 2 * time.Second,
			Check:   catalog.Ping,
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// catalogTokenSource re-resolves secret references on every call so rotated tokens are picked up
// without a restart.
func catalogTokenSource(env map[string]string, cfg config.Config, fetcher *secrets.Fetcher) services.AccessTokenSource {
	raw := strings.TrimSpace(env["API_CATALOG_ACCESS_TOKEN"])
	if strings.HasPrefix(raw, "secret://") && fetcher != nil {
		return catalogapi.SecretToken{Resolver: fetcher, Ref: raw}
	}
	return catalogapi.StaticToken(cfg.CatalogAPI.AccessToken)
}

func buildServiceTokenMiddleware(logger *zap.Logger, cfg config.Config, meter metric.Meter) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		logger.Warn("auth: OIDC JWKS URL not configured; internal routes will reject requests")
		return auth.NewServiceTokenValidator(nil, logger, meter).RequireServiceToken(auth.ServiceTokenPolicy{})
	}
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	validator := auth.NewServiceTokenValidator(auth.NewJWKSCache(oidc.JWKSURL), logger, meter)
	return validator.RequireServiceToken(auth.ServiceTokenPolicy{
		Audience:      oidc.Audience,
		Issuers:       oidc.Issuers,
		AllowedEmails: oidc.AllowedEmails,
	})
}

func buildWebhookMiddleware(logger *zap.Logger, cfg config.Config, meter metric.Meter) func(http.Handler) http.Handler {
	hmac := cfg.Security.HMAC
	verifier, err := auth.NewWebhookVerifier(auth.WebhookConfig{
		Secret:          hmac.Secret,
		SignatureHeader: hmac.SignatureHeader,
		TimestampHeader: hmac.TimestampHeader,
		NonceHeader:     hmac.NonceHeader,
		ClockSkew:       hmac.ClockSkew,
		NonceTTL:        hmac.NonceTTL,
	}, auth.NewMemoryNonceStore(time.Now), auth.WithWebhookLogger(logger), auth.WithWebhookMeter(meter))
	if err != nil {
		logger.Warn("auth: webhook signing secret not configured; webhook routes will reject requests", zap.Error(err))
		return rejectAll
	}
	return verifier.RequireSignature()
}

func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("webhooks_unconfigured", "webhook verification unavailable", http.StatusServiceUnavailable))
	})
}

func firebaseClientOptions(cfg config.Config) []option.ClientOption {
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets that must resolve to a non-empty value. The webhook secret is only
// required when webhooks are expected outside local runs.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"CatalogAPI.AccessToken"}
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment != "" && environment != "local" {
		required = append(required, "Security.HMAC.Secret")
	}
	return required
}
