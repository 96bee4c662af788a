package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/repositories"
)

const (
	defaultRemovalConcurrency = 8

	membershipEventUpserted = "catalog.membership.upserted"
	membershipEventRemoved  = "catalog.membership.removed"
	membershipEventReplaced = "catalog.membership.replaced"
)

// UpsertSetItem is one desired member of a sale event.
type UpsertSetItem struct {
	ProductID   string
	VariationID string
	Status      string
}

// UpsertSetCommand attaches items to a sale event.
type UpsertSetCommand struct {
	SaleEventID string
	HostID      string
	Items       []UpsertSetItem
}

// RemovalCriterion selects documents to detach. Host and sale event always come from the command.
// MatchVariation pins the variation even when VariationID is empty, so an explicit null selects the
// product-scoped document only.
type RemovalCriterion struct {
	ProductID      string
	VariationID    string
	MatchVariation bool
}

// RemovalCriterionFromMap copies the identity fields out of arbitrary decoded input. Every other key is
// ignored.
func RemovalCriterionFromMap(raw map[string]any) RemovalCriterion {
	variation, present := raw["variationId"]
	return RemovalCriterion{
		ProductID:      identityValue(raw["productId"]),
		VariationID:    identityValue(variation),
		MatchVariation: present,
	}
}

func identityValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	}
	return ""
}

func (c RemovalCriterion) criteria(hostID, saleEventID string) domain.CatalogCriteria {
	return domain.CatalogCriteria{
		Host:           hostID,
		SaleEvent:      saleEventID,
		ProductID:      c.ProductID,
		VariationID:    c.VariationID,
		MatchVariation: c.MatchVariation || c.VariationID != "",
	}
}

// RemoveSetCommand detaches documents matching any criterion from a sale event.
type RemoveSetCommand struct {
	SaleEventID string
	HostID      string
	Criteria    []RemovalCriterion
}

// RemovalOutcome is the independent result of one criterion.
type RemovalOutcome struct {
	Criterion RemovalCriterion
	Deleted   int
	Err       error
}

// RemoveSetResult aggregates per-criterion outcomes in input order.
type RemoveSetResult struct {
	Outcomes []RemovalOutcome
	Deleted  int
}

// Failed reports whether any criterion failed.
func (r RemoveSetResult) Failed() bool {
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			return true
		}
	}
	return false
}

// ReplaceSetCommand makes Items the complete membership of a sale event.
type ReplaceSetCommand struct {
	SaleEventID string
	HostID      string
	Items       []UpsertSetItem
}

// ReplaceSetResult lists the resulting members and how many documents were detached.
type ReplaceSetResult struct {
	Documents []AdminCatalogDocument
	Removed   int
}

// BulkReconcilerDeps enumerates collaborators required by the reconciler.
type BulkReconcilerDeps struct {
	Documents          repositories.CatalogDocumentRepository
	SaleEvents         repositories.SaleEventRepository
	RemovalConcurrency int
	Clock              func() time.Time
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type bulkReconciler struct {
	documents   repositories.CatalogDocumentRepository
	saleEvents  repositories.SaleEventRepository
	concurrency int
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ BulkReconciler = (*bulkReconciler)(nil)

// NewBulkReconciler wires dependencies into a BulkReconciler.
func NewBulkReconciler(deps BulkReconcilerDeps) (BulkReconciler, error) {
	if deps.Documents == nil {
		return nil, errors.New("bulk reconciler: document repository is required")
	}
	if deps.SaleEvents == nil {
		return nil, errors.New("bulk reconciler: sale event repository is required")
	}
	concurrency := deps.RemovalConcurrency
	if concurrency <= 0 {
		concurrency = defaultRemovalConcurrency
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &bulkReconciler{
		documents:   deps.Documents,
		saleEvents:  deps.SaleEvents,
		concurrency: concurrency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (r *bulkReconciler) UpsertSet(ctx context.Context, cmd UpsertSetCommand) ([]AdminCatalogDocument, error) {
	event, err := r.requireSaleEvent(ctx, cmd.SaleEventID, cmd.HostID)
	if err != nil {
		return nil, err
	}
	payloads, err := upsertPayloads(event, cmd.Items)
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return []AdminCatalogDocument{}, nil
	}

	docs, err := r.documents.UpsertMany(ctx, payloads)
	if err != nil {
		return nil, fmt.Errorf("upsert sale event %s members: %w", cmd.SaleEventID, err)
	}
	r.logger(ctx, membershipEventUpserted, map[string]any{
		"saleEventId": event.ID,
		"hostId":      event.Host,
		"count":       len(docs),
	})
	return adminDocuments(docs), nil
}

func (r *bulkReconciler) RemoveSet(ctx context.Context, cmd RemoveSetCommand) (RemoveSetResult, error) {
	event, err := r.requireSaleEvent(ctx, cmd.SaleEventID, cmd.HostID)
	if err != nil {
		return RemoveSetResult{}, err
	}
	if len(cmd.Criteria) == 0 {
		return RemoveSetResult{Outcomes: []RemovalOutcome{}}, nil
	}

	now := r.clock()
	outcomes := make([]RemovalOutcome, len(cmd.Criteria))
	var group errgroup.Group
	group.SetLimit(r.concurrency)
	for i, criterion := range cmd.Criteria {
		outcomes[i].Criterion = criterion
		if criterion.ProductID == "" && criterion.VariationID == "" {
			outcomes[i].Err = newValidationError("removal criterion must name productId or variationId", fmt.Sprintf("criteria[%d]", i))
			continue
		}
		group.Go(func() error {
			deleted, err := r.documents.UpdateMany(ctx, criterion.criteria(event.Host, event.ID), domain.CatalogPatch{DeletedAt: now})
			outcomes[i].Deleted = deleted
			outcomes[i].Err = err
			return nil
		})
	}
	_ = group.Wait()

	result := RemoveSetResult{Outcomes: outcomes}
	for _, outcome := range outcomes {
		result.Deleted += outcome.Deleted
	}
	r.logger(ctx, membershipEventRemoved, map[string]any{
		"saleEventId": event.ID,
		"hostId":      event.Host,
		"criteria":    len(cmd.Criteria),
		"deleted":     result.Deleted,
		"failed":      result.Failed(),
	})
	return result, nil
}

// ReplaceSet computes removals from a single snapshot taken before any write, so an item cannot be
// both upserted and removed by the same call.
func (r *bulkReconciler) ReplaceSet(ctx context.Context, cmd ReplaceSetCommand) (ReplaceSetResult, error) {
	event, err := r.requireSaleEvent(ctx, cmd.SaleEventID, cmd.HostID)
	if err != nil {
		return ReplaceSetResult{}, err
	}
	payloads, err := upsertPayloads(event, cmd.Items)
	if err != nil {
		return ReplaceSetResult{}, err
	}

	current, err := r.documents.FindByCriteria(ctx, domain.CatalogCriteria{Host: event.Host, SaleEvent: event.ID}, domain.PageRequest{})
	if err != nil {
		return ReplaceSetResult{}, fmt.Errorf("snapshot sale event %s members: %w", cmd.SaleEventID, err)
	}
	desired := make(map[domain.CatalogIdentity]struct{}, len(payloads))
	for _, payload := range payloads {
		desired[payload.Identity] = struct{}{}
	}
	var stale []domain.CatalogIdentity
	seen := make(map[domain.CatalogIdentity]struct{}, len(current))
	for _, doc := range current {
		identity := doc.Identity()
		if _, keep := desired[identity]; keep {
			continue
		}
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}
		stale = append(stale, identity)
	}

	result := ReplaceSetResult{Documents: []AdminCatalogDocument{}}
	if len(payloads) > 0 {
		docs, err := r.documents.UpsertMany(ctx, payloads)
		if err != nil {
			return ReplaceSetResult{}, fmt.Errorf("upsert sale event %s members: %w", cmd.SaleEventID, err)
		}
		result.Documents = adminDocuments(docs)
	}

	now := r.clock()
	removed := make([]int, len(stale))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for i, identity := range stale {
		group.Go(func() error {
			n, err := r.documents.UpdateMany(groupCtx, domain.CatalogCriteria{
				Host:           identity.Host,
				SaleEvent:      identity.SaleEvent,
				ProductID:      identity.ProductID,
				VariationID:    identity.VariationID,
				MatchVariation: true,
			}, domain.CatalogPatch{DeletedAt: now})
			removed[i] = n
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return ReplaceSetResult{}, fmt.Errorf("remove stale sale event %s members: %w", cmd.SaleEventID, err)
	}
	for _, n := range removed {
		result.Removed += n
	}

	r.logger(ctx, membershipEventReplaced, map[string]any{
		"saleEventId": event.ID,
		"hostId":      event.Host,
		"upserted":    len(result.Documents),
		"removed":     result.Removed,
	})
	return result, nil
}

func (r *bulkReconciler) requireSaleEvent(ctx context.Context, saleEventID, hostID string) (domain.SaleEvent, error) {
	return resolveSaleEvent(ctx, r.saleEvents, saleEventID, hostID)
}

// resolveSaleEvent loads a live sale event, scoped to hostID when one is given. The returned event
// supplies the host and sale event identity for every write.
func resolveSaleEvent(ctx context.Context, saleEvents repositories.SaleEventRepository, saleEventID, hostID string) (domain.SaleEvent, error) {
	saleEventID = strings.TrimSpace(saleEventID)
	hostID = strings.TrimSpace(hostID)
	if saleEventID == "" {
		return domain.SaleEvent{}, newValidationError("sale event id is required", "saleEventId")
	}
	event, err := saleEvents.FindByID(ctx, saleEventID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.SaleEvent{}, &SaleEventNotFoundError{SaleEventID: saleEventID, HostID: hostID}
		}
		return domain.SaleEvent{}, fmt.Errorf("load sale event %s: %w", saleEventID, err)
	}
	if event.Deleted() || (hostID != "" && event.Host != hostID) {
		return domain.SaleEvent{}, &SaleEventNotFoundError{SaleEventID: saleEventID, HostID: hostID}
	}
	event.ID = saleEventID
	return event, nil
}

func upsertPayloads(event domain.SaleEvent, items []UpsertSetItem) ([]domain.CatalogUpsert, error) {
	var invalid []string
	payloads := make([]domain.CatalogUpsert, 0, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			invalid = append(invalid, fmt.Sprintf("items[%d].productId", i))
			continue
		}
		status := strings.TrimSpace(item.Status)
		if status != "" && !validCatalogStatus(status) {
			invalid = append(invalid, fmt.Sprintf("items[%d].status", i))
			continue
		}
		payloads = append(payloads, domain.CatalogUpsert{
			Identity: domain.CatalogIdentity{
				Host:        event.Host,
				SaleEvent:   event.ID,
				ProductID:   productID,
				VariationID: strings.TrimSpace(item.VariationID),
			},
			Status: status,
		})
	}
	if len(invalid) > 0 {
		return nil, newValidationError("invalid items", invalid...)
	}
	return payloads, nil
}

func validCatalogStatus(status string) bool {
	switch status {
	case domain.CatalogStatusActive, domain.CatalogStatusHidden, domain.CatalogStatusDraft:
		return true
	}
	return false
}
