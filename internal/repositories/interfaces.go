package repositories

import (
	"context"

	domain "github.com/catalogsync/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	CatalogDocuments() CatalogDocumentRepository
	SaleEvents() SaleEventRepository
	Health() HealthRepository
}

// CatalogDocumentRepository persists the denormalised catalog read model. Criteria are plain equality
// filters; soft-deleted documents are excluded unless the criteria ask for them.
type CatalogDocumentRepository interface {
	FindOne(ctx context.Context, criteria domain.CatalogCriteria) (domain.CatalogDocument, error)
	FindByCriteria(ctx context.Context, criteria domain.CatalogCriteria, page domain.PageRequest) ([]domain.CatalogDocument, error)
	CountByCriteria(ctx context.Context, criteria domain.CatalogCriteria) (int, error)
	// UpsertMany applies each payload to the live document with the same identity, creating an active one when
	// none exists, and returns the resulting documents in payload order.
	UpsertMany(ctx context.Context, payloads []domain.CatalogUpsert) ([]domain.CatalogDocument, error)
	// UpdateMany applies patch to every live document matching criteria and returns how many changed.
	UpdateMany(ctx context.Context, criteria domain.CatalogCriteria, patch domain.CatalogPatch) (int, error)
	// SaveResolved writes synchronised fields onto existing documents without touching deletedAt or
	// set-membership fields.
	SaveResolved(ctx context.Context, docs []domain.CatalogDocument) error
}

// SaleEventRepository reads sale events.
type SaleEventRepository interface {
	FindByID(ctx context.Context, saleEventID string) (domain.SaleEvent, error)
}

// HealthRepository collects dependency health information.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
