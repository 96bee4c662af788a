package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/catalogsync/api/internal/platform/config"
	"github.com/catalogsync/api/internal/repositories"
	"github.com/catalogsync/api/internal/services"
)

// Services bundles the service-layer contracts that handlers and workers rely upon.
type Services struct {
	Synchronizer services.ProductSynchronizer
	Reconciler   services.BulkReconciler
	Catalog      services.CatalogReadService
	Dispatcher   services.SyncDispatcher
	System       services.SystemService
}

// Dependencies are the runtime collaborators the container cannot build from configuration alone.
type Dependencies struct {
	// Catalog fetches products from the upstream catalog API. Required.
	Catalog services.CatalogProductFetcher
	// Publisher queues asynchronous sync jobs. Nil disables the dispatcher.
	Publisher services.ProductSyncPublisher
	Build     services.BuildInfo
	Logger    func(ctx context.Context, event string, fields map[string]any)
	Tracer    trace.Tracer
	Meter     metric.Meter
	Clock     func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply the in-memory registry.
func NewContainer(cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, deps Dependencies) (Services, error) {
	var svc Services
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	policy, err := services.ParseUnmatchedVariantPolicy(cfg.Sync.UnmatchedVariantPolicy)
	if err != nil {
		return Services{}, fmt.Errorf("build product synchronizer: %w", err)
	}
	synchronizer, err := services.NewProductSynchronizer(services.ProductSynchronizerDeps{
		Catalog:         deps.Catalog,
		Documents:       reg.CatalogDocuments(),
		UnmatchedPolicy: policy,
		Clock:           clock,
		Logger:          deps.Logger,
		Tracer:          deps.Tracer,
		Meter:           deps.Meter,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build product synchronizer: %w", err)
	}
	svc.Synchronizer = synchronizer

	reconciler, err := services.NewBulkReconciler(services.BulkReconcilerDeps{
		Documents:          reg.CatalogDocuments(),
		SaleEvents:         reg.SaleEvents(),
		RemovalConcurrency: cfg.Sync.RemovalConcurrency,
		Clock:              clock,
		Logger:             deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build bulk reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	catalog, err := services.NewCatalogReadService(services.CatalogReadServiceDeps{
		Documents:  reg.CatalogDocuments(),
		SaleEvents: reg.SaleEvents(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog read service: %w", err)
	}
	svc.Catalog = catalog

	if deps.Publisher != nil {
		dispatcher, err := services.NewSyncDispatcher(services.SyncDispatcherDeps{
			Publisher: deps.Publisher,
			Clock:     clock,
			Logger:    deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build sync dispatcher: %w", err)
		}
		svc.Dispatcher = dispatcher
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
