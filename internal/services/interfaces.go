package services

import (
	"context"

	domain "github.com/catalogsync/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CatalogDocument    = domain.CatalogDocument
	SaleEvent          = domain.SaleEvent
	SystemHealthReport = domain.SystemHealthReport
)

// ProductSynchronizer reconciles the local documents of one product with the upstream catalog.
type ProductSynchronizer interface {
	Execute(ctx context.Context, cmd SyncCommand) (SyncResult, error)
}

// BulkReconciler manages sale-event membership of catalog documents.
type BulkReconciler interface {
	UpsertSet(ctx context.Context, cmd UpsertSetCommand) ([]AdminCatalogDocument, error)
	RemoveSet(ctx context.Context, cmd RemoveSetCommand) (RemoveSetResult, error)
	ReplaceSet(ctx context.Context, cmd ReplaceSetCommand) (ReplaceSetResult, error)
}

// CatalogReadService renders catalog documents through the admin and public projections.
type CatalogReadService interface {
	ListSaleEventProducts(ctx context.Context, filter PublicListFilter) (domain.Page[PublicCatalogDocument], error)
	ListAdminProducts(ctx context.Context, filter AdminListFilter) (domain.Page[AdminCatalogDocument], error)
}

// SyncDispatcher queues product syncs for asynchronous execution.
type SyncDispatcher interface {
	QueueProductSync(ctx context.Context, cmd QueueProductSyncCommand) (QueueProductSyncResult, error)
}

// SystemService exposes operational metadata such as health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CatalogProductFetcher reads one product from the upstream catalog API with an explicit token.
type CatalogProductFetcher interface {
	GetProduct(ctx context.Context, productID, accessToken string) (domain.ExternalProduct, error)
}

// AccessTokenSource supplies the upstream catalog API token for callers that do not carry one.
type AccessTokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}
