package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/catalogsync/api/internal/domain"
	pfirestore "github.com/catalogsync/api/internal/platform/firestore"
	"github.com/catalogsync/api/internal/repositories"
)

const (
	catalogDocumentsCollection = "catalogDocuments"
	// maxTransactionWrites mirrors the Firestore per-commit write limit.
	maxTransactionWrites = 500
)

type CatalogDocumentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[catalogDocument]
	now      func() time.Time
	newID    func() string
}

var _ repositories.CatalogDocumentRepository = (*CatalogDocumentRepository)(nil)

func NewCatalogDocumentRepository(provider *pfirestore.Provider, clock func() time.Time) (*CatalogDocumentRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog document repository requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &CatalogDocumentRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[catalogDocument](provider, catalogDocumentsCollection, nil, nil),
		now:      clock,
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

func (r *CatalogDocumentRepository) FindOne(ctx context.Context, criteria domain.CatalogCriteria) (domain.CatalogDocument, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return applyCriteria(q, criteria).Limit(1)
	})
	if err != nil {
		return domain.CatalogDocument{}, err
	}
	if len(docs) == 0 {
		return domain.CatalogDocument{}, pfirestore.NotFound("catalog_documents.find_one", "no document matches criteria")
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *CatalogDocumentRepository) FindByCriteria(ctx context.Context, criteria domain.CatalogCriteria, page domain.PageRequest) ([]domain.CatalogDocument, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = applyCriteria(q, criteria).
			OrderBy("productId", firestore.Asc).
			OrderBy("variationId", firestore.Asc)
		if page.Offset > 0 {
			q = q.Offset(page.Offset)
		}
		if page.Limit > 0 {
			q = q.Limit(page.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CatalogDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

func (r *CatalogDocumentRepository) CountByCriteria(ctx context.Context, criteria domain.CatalogCriteria) (int, error) {
	return r.base.Count(ctx, func(q firestore.Query) firestore.Query {
		return applyCriteria(q, criteria)
	})
}

// UpsertMany resolves each identity to its live document inside a transaction so concurrent upserts of
// the same identity cannot create duplicates. Payloads are committed in chunks.
func (r *CatalogDocumentRepository) UpsertMany(ctx context.Context, payloads []domain.CatalogUpsert) ([]domain.CatalogDocument, error) {
	if len(payloads) == 0 {
		return []domain.CatalogDocument{}, nil
	}
	for _, payload := range payloads {
		if err := validateIdentity(payload.Identity); err != nil {
			return nil, err
		}
	}
	coll, err := r.base.Collection(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.CatalogDocument, 0, len(payloads))
	for start := 0; start < len(payloads); start += maxTransactionWrites {
		end := start + maxTransactionWrites
		if end > len(payloads) {
			end = len(payloads)
		}
		chunk := payloads[start:end]

		var written []domain.CatalogDocument
		err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			written = written[:0]
			now := r.now().UTC()

			live := make(map[domain.CatalogIdentity]storedDocument, len(chunk))
			for _, payload := range chunk {
				if _, seen := live[payload.Identity]; seen {
					continue
				}
				query := applyCriteria(coll.Query, identityCriteria(payload.Identity)).Limit(1)
				snaps, err := tx.Documents(query).GetAll()
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					live[payload.Identity] = storedDocument{}
					continue
				}
				var data catalogDocument
				if err := snaps[0].DataTo(&data); err != nil {
					return fmt.Errorf("decode catalog document %s: %w", snaps[0].Ref.ID, err)
				}
				live[payload.Identity] = storedDocument{ID: snaps[0].Ref.ID, Data: data}
			}

			for _, payload := range chunk {
				current := live[payload.Identity]
				if current.ID == "" {
					current = storedDocument{ID: r.newID(), Data: newCatalogDocument(payload.Identity, now)}
				}
				if payload.Status != "" {
					current.Data.Status = payload.Status
				}
				current.Data.UpdatedAt = now
				if err := tx.Set(coll.Doc(current.ID), current.Data); err != nil {
					return err
				}
				live[payload.Identity] = current
				written = append(written, current.Data.toDomain(current.ID))
			}
			return nil
		})
		if err != nil {
			return nil, pfirestore.WrapError("catalog_documents.upsert_many", err)
		}
		out = append(out, written...)
	}
	return out, nil
}

// UpdateMany snapshots the matching live documents, then patches each one in its own transaction that
// re-checks deletedAt, so previously deleted documents keep their original timestamp.
func (r *CatalogDocumentRepository) UpdateMany(ctx context.Context, criteria domain.CatalogCriteria, patch domain.CatalogPatch) (int, error) {
	if patch.DeletedAt.IsZero() {
		return 0, errors.New("catalog documents: patch has no fields")
	}
	criteria.IncludeDeleted = false
	matches, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return applyCriteria(q, criteria)
	})
	if err != nil {
		return 0, err
	}

	deletedAt := patch.DeletedAt.UTC()
	updated := 0
	for _, match := range matches {
		ref, err := r.base.DocumentRef(ctx, match.ID)
		if err != nil {
			return updated, err
		}
		changed := false
		err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			changed = false
			snap, err := tx.Get(ref)
			if err != nil {
				return err
			}
			var current catalogDocument
			if err := snap.DataTo(&current); err != nil {
				return fmt.Errorf("decode catalog document %s: %w", ref.ID, err)
			}
			if current.DeletedAt != nil {
				return nil
			}
			changed = true
			return tx.Update(ref, []firestore.Update{
				{Path: "deletedAt", Value: deletedAt},
				{Path: "updatedAt", Value: r.now().UTC()},
			})
		})
		if err != nil {
			return updated, pfirestore.WrapError("catalog_documents.update_many", err)
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

// SaveResolved writes only the synchronised fields. Media other than the images entry is left alone.
func (r *CatalogDocumentRepository) SaveResolved(ctx context.Context, docs []domain.CatalogDocument) error {
	ops := make([]pfirestore.BulkOp[catalogDocument], 0, len(docs))
	for _, doc := range docs {
		updates := []firestore.Update{
			{Path: "price", Value: encodePriceValue(doc.Price)},
			{Path: "priceSale", Value: encodePriceValue(doc.PriceSale)},
			{Path: "unlimitedQuantity", Value: doc.UnlimitedQuantity},
			{Path: "variationFieldsTranslations", Value: doc.VariationFieldsTranslations},
			{Path: "updatedAt", Value: doc.UpdatedAt.UTC()},
		}
		if images, ok := doc.Media.Images(); ok {
			updates = append(updates, firestore.Update{
				FieldPath: firestore.FieldPath{"media", domain.MediaImagesKey},
				Value:     mediaImagesDocument{Thumb: images.Thumb, Original: images.Original},
			})
		}
		ops = append(ops, pfirestore.BulkOp[catalogDocument]{ID: doc.ID, Updates: updates})
	}
	return r.base.BulkWrite(ctx, ops)
}

// storedDocument pairs a catalog document with its ID.
type storedDocument struct {
	ID   string
	Data catalogDocument
}

type catalogDocument struct {
	ProductID                   string                         `firestore:"productId"`
	VariationID                 string                         `firestore:"variationId"`
	Host                        string                         `firestore:"host"`
	SaleEvent                   string                         `firestore:"saleEvent"`
	Status                      string                         `firestore:"status,omitempty"`
	Price                       *priceDocument                 `firestore:"price"`
	PriceSale                   *priceDocument                 `firestore:"priceSale"`
	UnlimitedQuantity           bool                           `firestore:"unlimitedQuantity"`
	Media                       map[string]mediaImagesDocument `firestore:"media,omitempty"`
	VariationFieldsTranslations map[string][]string            `firestore:"variationFieldsTranslations"`
	CreatedAt                   time.Time                      `firestore:"createdAt"`
	UpdatedAt                   time.Time                      `firestore:"updatedAt"`
	DeletedAt                   *time.Time                     `firestore:"deletedAt"`
}

// priceDocument stores dollars as a string to keep decimal precision.
type priceDocument struct {
	Cents       int64  `firestore:"cents"`
	Dollars     string `firestore:"dollars"`
	CurrencyISO string `firestore:"currencyIso"`
}

type mediaImagesDocument struct {
	Thumb    string `firestore:"thumb"`
	Original string `firestore:"original"`
}

func newCatalogDocument(identity domain.CatalogIdentity, now time.Time) catalogDocument {
	return catalogDocument{
		ProductID:   identity.ProductID,
		VariationID: identity.VariationID,
		Host:        identity.Host,
		SaleEvent:   identity.SaleEvent,
		Status:      domain.CatalogStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (d catalogDocument) toDomain(id string) domain.CatalogDocument {
	doc := domain.CatalogDocument{
		ID:                          id,
		ProductID:                   d.ProductID,
		VariationID:                 d.VariationID,
		Host:                        d.Host,
		SaleEvent:                   d.SaleEvent,
		Status:                      d.Status,
		Price:                       d.Price.toDomain(),
		PriceSale:                   d.PriceSale.toDomain(),
		UnlimitedQuantity:           d.UnlimitedQuantity,
		VariationFieldsTranslations: d.VariationFieldsTranslations,
		CreatedAt:                   d.CreatedAt.UTC(),
		UpdatedAt:                   d.UpdatedAt.UTC(),
	}
	if len(d.Media) > 0 {
		doc.Media = make(domain.Media, len(d.Media))
		for key, images := range d.Media {
			doc.Media[key] = domain.MediaImages{Thumb: images.Thumb, Original: images.Original}
		}
	}
	if d.DeletedAt != nil {
		ts := d.DeletedAt.UTC()
		doc.DeletedAt = &ts
	}
	return doc
}

func (p *priceDocument) toDomain() *domain.Price {
	if p == nil {
		return nil
	}
	dollars, err := decimal.NewFromString(p.Dollars)
	if err != nil {
		dollars = decimal.New(p.Cents, -2)
	}
	return &domain.Price{Cents: p.Cents, Dollars: dollars, CurrencyISO: p.CurrencyISO}
}

func encodePriceValue(price *domain.Price) any {
	if price == nil {
		return nil
	}
	return priceDocument{Cents: price.Cents, Dollars: price.Dollars.String(), CurrencyISO: price.CurrencyISO}
}

func identityCriteria(identity domain.CatalogIdentity) domain.CatalogCriteria {
	return domain.CatalogCriteria{
		Host:           identity.Host,
		SaleEvent:      identity.SaleEvent,
		ProductID:      identity.ProductID,
		VariationID:    identity.VariationID,
		MatchVariation: true,
	}
}

func applyCriteria(q firestore.Query, criteria domain.CatalogCriteria) firestore.Query {
	if criteria.Host != "" {
		q = q.Where("host", "==", criteria.Host)
	}
	if criteria.SaleEvent != "" {
		q = q.Where("saleEvent", "==", criteria.SaleEvent)
	}
	if criteria.ProductID != "" {
		q = q.Where("productId", "==", criteria.ProductID)
	}
	if criteria.MatchVariation {
		q = q.Where("variationId", "==", criteria.VariationID)
	}
	switch len(criteria.Statuses) {
	case 0:
	case 1:
		q = q.Where("status", "==", criteria.Statuses[0])
	default:
		q = q.Where("status", "in", criteria.Statuses)
	}
	if !criteria.IncludeDeleted {
		q = q.Where("deletedAt", "==", nil)
	}
	return q
}

func validateIdentity(identity domain.CatalogIdentity) error {
	var missing []string
	if strings.TrimSpace(identity.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(identity.SaleEvent) == "" {
		missing = append(missing, "saleEvent")
	}
	if strings.TrimSpace(identity.ProductID) == "" {
		missing = append(missing, "productId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("catalog documents: identity missing %s", strings.Join(missing, ", "))
	}
	return nil
}
