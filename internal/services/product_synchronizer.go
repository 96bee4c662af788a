package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/repositories"
)

const (
	syncInstrumentation = "github.com/catalogsync/api/internal/services"

	syncEventCompleted = "catalog.sync.completed"
	syncEventRemoved   = "catalog.sync.removed"
	syncEventFailed    = "catalog.sync.failed"
	syncEventUnmatched = "catalog.sync.unmatched_variant"
)

// UnmatchedVariantPolicy decides what happens to a variant-scoped document whose variation no longer
// appears upstream.
type UnmatchedVariantPolicy string

const (
	// UnmatchedVariantLeave keeps the document as-is.
	UnmatchedVariantLeave UnmatchedVariantPolicy = "leave"
	// UnmatchedVariantSoftDelete soft-deletes the document.
	UnmatchedVariantSoftDelete UnmatchedVariantPolicy = "soft_delete"
)

// ParseUnmatchedVariantPolicy maps a configuration value to a policy. Empty selects the default.
func ParseUnmatchedVariantPolicy(value string) (UnmatchedVariantPolicy, error) {
	switch UnmatchedVariantPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", UnmatchedVariantLeave:
		return UnmatchedVariantLeave, nil
	case UnmatchedVariantSoftDelete:
		return UnmatchedVariantSoftDelete, nil
	}
	return "", fmt.Errorf("unknown unmatched variant policy %q", value)
}

// SyncCommand identifies the product to synchronise. AccessToken is forwarded to the catalog API.
type SyncCommand struct {
	ProductID   string
	AccessToken string
}

// SyncResult summarises one execution.
type SyncResult struct {
	ProductID string
	Removed   bool
	Updated   int
	Deleted   int
	Unchanged int
	Unmatched int
}

// ProductSynchronizerDeps enumerates collaborators required by the synchronizer.
type ProductSynchronizerDeps struct {
	Catalog         CatalogProductFetcher
	Documents       repositories.CatalogDocumentRepository
	UnmatchedPolicy UnmatchedVariantPolicy
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
	Tracer          trace.Tracer
	Meter           metric.Meter
}

type productSynchronizer struct {
	catalog   CatalogProductFetcher
	documents repositories.CatalogDocumentRepository
	policy    UnmatchedVariantPolicy
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
	tracer    trace.Tracer

	executions metric.Int64Counter
	outcomes   metric.Int64Counter
}

var _ ProductSynchronizer = (*productSynchronizer)(nil)

// NewProductSynchronizer wires dependencies into a ProductSynchronizer.
func NewProductSynchronizer(deps ProductSynchronizerDeps) (ProductSynchronizer, error) {
	if deps.Catalog == nil {
		return nil, errors.New("product synchronizer: catalog fetcher is required")
	}
	if deps.Documents == nil {
		return nil, errors.New("product synchronizer: document repository is required")
	}
	policy := deps.UnmatchedPolicy
	if policy == "" {
		policy = UnmatchedVariantLeave
	}
	if policy != UnmatchedVariantLeave && policy != UnmatchedVariantSoftDelete {
		return nil, fmt.Errorf("product synchronizer: unknown unmatched variant policy %q", policy)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(syncInstrumentation)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(syncInstrumentation)
	}

	executions, err := meter.Int64Counter("catalog.sync.executions",
		metric.WithDescription("Product sync executions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("product synchronizer: create executions counter: %w", err)
	}
	outcomes, err := meter.Int64Counter("catalog.sync.documents",
		metric.WithDescription("Catalog documents touched by product sync, by result"))
	if err != nil {
		return nil, fmt.Errorf("product synchronizer: create documents counter: %w", err)
	}

	return &productSynchronizer{
		catalog:   deps.Catalog,
		documents: deps.Documents,
		policy:    policy,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:     logger,
		tracer:     tracer,
		executions: executions,
		outcomes:   outcomes,
	}, nil
}

func (s *productSynchronizer) Execute(ctx context.Context, cmd SyncCommand) (result SyncResult, err error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return SyncResult{}, newValidationError("product id is required", "productId")
	}
	result.ProductID = productID

	ctx, span := s.tracer.Start(ctx, "catalog.sync.execute", trace.WithAttributes(attribute.String("catalog.product_id", productID)))
	defer func() {
		s.record(ctx, result, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	product, err := s.catalog.GetProduct(ctx, productID, cmd.AccessToken)
	if err != nil {
		return result, &UpstreamFetchError{ProductID: productID, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return result, &UpstreamFetchError{ProductID: productID, Err: err}
	}

	now := s.clock()
	if product.Removed() {
		deleted, err := s.documents.UpdateMany(ctx, domain.CatalogCriteria{ProductID: productID}, domain.CatalogPatch{DeletedAt: now})
		if err != nil {
			return result, fmt.Errorf("soft delete removed product %s: %w", productID, err)
		}
		result.Removed = true
		result.Deleted = deleted
		s.logger(ctx, syncEventRemoved, map[string]any{"productId": productID, "deleted": deleted})
		return result, nil
	}

	docs, err := s.documents.FindByCriteria(ctx, domain.CatalogCriteria{ProductID: productID}, domain.PageRequest{})
	if err != nil {
		return result, fmt.Errorf("load documents for product %s: %w", productID, err)
	}

	samePrice := product.FamilyPrice()
	var (
		changed   []domain.CatalogDocument
		unmatched []string
	)
	for _, doc := range docs {
		var variant *domain.ExternalVariation
		if doc.VariantScoped() {
			match, ok := product.Variation(doc.VariationID)
			if !ok {
				result.Unmatched++
				unmatched = append(unmatched, doc.VariationID)
				s.logger(ctx, syncEventUnmatched, map[string]any{
					"productId":   productID,
					"variationId": doc.VariationID,
					"documentId":  doc.ID,
					"policy":      string(s.policy),
				})
				continue
			}
			variant = &match
		}

		next := ResolveFields(product, variant, samePrice, doc).Apply(doc)
		if sameSyncedState(doc, next) {
			result.Unchanged++
			continue
		}
		next.UpdatedAt = now
		changed = append(changed, next)
	}

	if len(changed) > 0 {
		if err := s.documents.SaveResolved(ctx, changed); err != nil {
			return result, fmt.Errorf("save resolved documents for product %s: %w", productID, err)
		}
		result.Updated = len(changed)
	}

	if s.policy == UnmatchedVariantSoftDelete {
		seen := make(map[string]struct{}, len(unmatched))
		for _, variationID := range unmatched {
			if _, ok := seen[variationID]; ok {
				continue
			}
			seen[variationID] = struct{}{}
			deleted, err := s.documents.UpdateMany(ctx, domain.CatalogCriteria{
				ProductID:      productID,
				VariationID:    variationID,
				MatchVariation: true,
			}, domain.CatalogPatch{DeletedAt: now})
			if err != nil {
				return result, fmt.Errorf("soft delete unmatched variation %s: %w", variationID, err)
			}
			result.Deleted += deleted
		}
	}

	s.logger(ctx, syncEventCompleted, map[string]any{
		"productId": productID,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"unmatched": result.Unmatched,
		"deleted":   result.Deleted,
	})
	return result, nil
}

func (s *productSynchronizer) record(ctx context.Context, result SyncResult, err error) {
	outcome := "synced"
	switch {
	case err != nil:
		outcome = "failed"
		var upstream *UpstreamFetchError
		if errors.As(err, &upstream) {
			outcome = "upstream_error"
		}
		s.logger(ctx, syncEventFailed, map[string]any{"productId": result.ProductID, "outcome": outcome, "error": err.Error()})
	case result.Removed:
		outcome = "removed"
	}
	s.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	for name, count := range map[string]int{
		"updated":   result.Updated,
		"deleted":   result.Deleted,
		"unchanged": result.Unchanged,
		"unmatched": result.Unmatched,
	} {
		if count > 0 {
			s.outcomes.Add(ctx, int64(count), metric.WithAttributes(attribute.String("result", name)))
		}
	}
}
