package memory

import (
	"context"

	"github.com/catalogsync/api/internal/repositories"
)

// Registry bundles memory stores behind the repositories.Registry contract.
type Registry struct {
	Catalog    *CatalogDocumentStore
	Events     *SaleEventStore
	HealthRepo repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds a registry with empty stores.
func NewRegistry(health repositories.HealthRepository, opts ...Option) *Registry {
	return &Registry{
		Catalog:    NewCatalogDocumentStore(opts...),
		Events:     NewSaleEventStore(),
		HealthRepo: health,
	}
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) CatalogDocuments() repositories.CatalogDocumentRepository { return r.Catalog }

func (r *Registry) SaleEvents() repositories.SaleEventRepository { return r.Events }

func (r *Registry) Health() repositories.HealthRepository { return r.HealthRepo }
