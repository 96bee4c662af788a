package firestore

import (
	"context"
	"fmt"
	"time"

	pfirestore "github.com/catalogsync/api/internal/platform/firestore"
	"github.com/catalogsync/api/internal/repositories"
)

// Registry exposes Firestore-backed repositories that share one provider.
type Registry struct {
	provider   *pfirestore.Provider
	catalog    *CatalogDocumentRepository
	saleEvents *SaleEventRepository
	health     repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every Firestore repository. health may be nil when readiness is not served.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository, clock func() time.Time) (*Registry, error) {
	catalog, err := NewCatalogDocumentRepository(provider, clock)
	if err != nil {
		return nil, fmt.Errorf("build catalog document repository: %w", err)
	}
	saleEvents, err := NewSaleEventRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build sale event repository: %w", err)
	}
	return &Registry{provider: provider, catalog: catalog, saleEvents: saleEvents, health: health}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) CatalogDocuments() repositories.CatalogDocumentRepository { return r.catalog }

func (r *Registry) SaleEvents() repositories.SaleEventRepository { return r.saleEvents }

func (r *Registry) Health() repositories.HealthRepository { return r.health }
