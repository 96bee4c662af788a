package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/repositories"
)

// CatalogDocumentStore keeps catalog documents in memory. Reads return copies so callers never alias
// stored state.
type CatalogDocumentStore struct {
	mu    sync.RWMutex
	docs  map[string]domain.CatalogDocument
	order []string

	now   func() time.Time
	newID func() string
}

// Option customises memory stores.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides document ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		newID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

var _ repositories.CatalogDocumentRepository = (*CatalogDocumentStore)(nil)

// NewCatalogDocumentStore constructs an empty store.
func NewCatalogDocumentStore(opts ...Option) *CatalogDocumentStore {
	o := buildOptions(opts)
	return &CatalogDocumentStore{
		docs:  make(map[string]domain.CatalogDocument),
		now:   o.now,
		newID: o.newID,
	}
}

// Seed inserts documents as-is, keeping provided IDs. Intended for tests and local fixtures.
func (s *CatalogDocumentStore) Seed(docs ...domain.CatalogDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = s.newID()
		}
		if _, exists := s.docs[doc.ID]; !exists {
			s.order = append(s.order, doc.ID)
		}
		s.docs[doc.ID] = cloneDocument(doc)
	}
}

// All returns every stored document, deleted ones included, in insertion order.
func (s *CatalogDocumentStore) All() []domain.CatalogDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CatalogDocument, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneDocument(s.docs[id]))
	}
	return out
}

func (s *CatalogDocumentStore) FindOne(ctx context.Context, criteria domain.CatalogCriteria) (domain.CatalogDocument, error) {
	if err := ctx.Err(); err != nil {
		return domain.CatalogDocument{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.sortedLocked() {
		if criteria.Matches(doc) {
			return cloneDocument(doc), nil
		}
	}
	return domain.CatalogDocument{}, notFound("catalog_documents.find_one", "no document matches criteria")
}

func (s *CatalogDocumentStore) FindByCriteria(ctx context.Context, criteria domain.CatalogCriteria, page domain.PageRequest) ([]domain.CatalogDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.CatalogDocument
	for _, doc := range s.sortedLocked() {
		if criteria.Matches(doc) {
			matched = append(matched, doc)
		}
	}
	start := page.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(matched) {
		return []domain.CatalogDocument{}, nil
	}
	end := len(matched)
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	out := make([]domain.CatalogDocument, 0, end-start)
	for _, doc := range matched[start:end] {
		out = append(out, cloneDocument(doc))
	}
	return out, nil
}

func (s *CatalogDocumentStore) CountByCriteria(ctx context.Context, criteria domain.CatalogCriteria) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, doc := range s.docs {
		if criteria.Matches(doc) {
			count++
		}
	}
	return count, nil
}

func (s *CatalogDocumentStore) UpsertMany(ctx context.Context, payloads []domain.CatalogUpsert) ([]domain.CatalogDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, payload := range payloads {
		if err := validateIdentity(payload.Identity); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]domain.CatalogDocument, 0, len(payloads))
	for _, payload := range payloads {
		doc, ok := s.liveLocked(payload.Identity)
		if !ok {
			id := payload.Identity
			doc = domain.CatalogDocument{
				ID:          s.newID(),
				Host:        id.Host,
				SaleEvent:   id.SaleEvent,
				ProductID:   id.ProductID,
				VariationID: id.VariationID,
				Status:      domain.CatalogStatusActive,
				CreatedAt:   now,
			}
			s.order = append(s.order, doc.ID)
		}
		if payload.Status != "" {
			doc.Status = payload.Status
		}
		doc.UpdatedAt = now
		s.docs[doc.ID] = doc
		out = append(out, cloneDocument(doc))
	}
	return out, nil
}

func (s *CatalogDocumentStore) UpdateMany(ctx context.Context, criteria domain.CatalogCriteria, patch domain.CatalogPatch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if patch.DeletedAt.IsZero() {
		return 0, errors.New("catalog documents: patch has no fields")
	}
	criteria.IncludeDeleted = false
	deletedAt := patch.DeletedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, id := range s.order {
		doc := s.docs[id]
		if !criteria.Matches(doc) {
			continue
		}
		ts := deletedAt
		doc.DeletedAt = &ts
		doc.UpdatedAt = s.now().UTC()
		s.docs[id] = doc
		updated++
	}
	return updated, nil
}

func (s *CatalogDocumentStore) SaveResolved(ctx context.Context, docs []domain.CatalogDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, doc := range docs {
		stored, ok := s.docs[doc.ID]
		if !ok {
			errs = append(errs, notFound("catalog_documents.save_resolved", fmt.Sprintf("document %s not found", doc.ID)))
			continue
		}
		stored.Price = doc.Price.Clone()
		stored.PriceSale = doc.PriceSale.Clone()
		stored.UnlimitedQuantity = doc.UnlimitedQuantity
		stored.Media = doc.Media.Clone()
		stored.VariationFieldsTranslations = cloneTranslations(doc.VariationFieldsTranslations)
		stored.UpdatedAt = doc.UpdatedAt
		s.docs[doc.ID] = stored
	}
	return errors.Join(errs...)
}

func (s *CatalogDocumentStore) liveLocked(identity domain.CatalogIdentity) (domain.CatalogDocument, bool) {
	for _, id := range s.order {
		doc := s.docs[id]
		if doc.DeletedAt == nil && doc.Identity() == identity {
			return doc, true
		}
	}
	return domain.CatalogDocument{}, false
}

// sortedLocked orders documents by productId then variationId, matching the Firestore ordering.
func (s *CatalogDocumentStore) sortedLocked() []domain.CatalogDocument {
	out := make([]domain.CatalogDocument, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.docs[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].VariationID < out[j].VariationID
	})
	return out
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

func cloneDocument(doc domain.CatalogDocument) domain.CatalogDocument {
	doc.Price = doc.Price.Clone()
	doc.PriceSale = doc.PriceSale.Clone()
	doc.Media = doc.Media.Clone()
	doc.VariationFieldsTranslations = cloneTranslations(doc.VariationFieldsTranslations)
	if doc.DeletedAt != nil {
		ts := *doc.DeletedAt
		doc.DeletedAt = &ts
	}
	return doc
}

func cloneTranslations(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for lang, values := range in {
		out[lang] = append([]string(nil), values...)
	}
	return out
}
