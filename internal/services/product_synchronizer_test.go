package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/repositories/memory"
)

type stubCatalogFetcher struct {
	product domain.ExternalProduct
	err     error
	calls   int
	tokens  []string
}

func (s *stubCatalogFetcher) GetProduct(_ context.Context, productID, accessToken string) (domain.ExternalProduct, error) {
	s.calls++
	s.tokens = append(s.tokens, accessToken)
	if s.err != nil {
		return domain.ExternalProduct{}, s.err
	}
	product := s.product
	product.ID = productID
	return product, nil
}

func decodeProduct(t *testing.T, raw string) domain.ExternalProduct {
	t.Helper()
	var product domain.ExternalProduct
	if err := json.Unmarshal([]byte(raw), &product); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	return product
}

var syncTestNow = time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)

func newSyncFixture(t *testing.T, product domain.ExternalProduct, policy UnmatchedVariantPolicy, docs ...domain.CatalogDocument) (ProductSynchronizer, *memory.CatalogDocumentStore, *stubCatalogFetcher) {
	t.Helper()
	store := memory.NewCatalogDocumentStore(memory.WithClock(func() time.Time { return syncTestNow }))
	store.Seed(docs...)
	fetcher := &stubCatalogFetcher{product: product}
	svc, err := NewProductSynchronizer(ProductSynchronizerDeps{
		Catalog:         fetcher,
		Documents:       store,
		UnmatchedPolicy: policy,
		Clock:           func() time.Time { return syncTestNow },
	})
	if err != nil {
		t.Fatalf("NewProductSynchronizer: %v", err)
	}
	return svc, store, fetcher
}

func findDoc(t *testing.T, store *memory.CatalogDocumentStore, id string) domain.CatalogDocument {
	t.Helper()
	for _, doc := range store.All() {
		if doc.ID == id {
			return doc
		}
	}
	t.Fatalf("document %s not found", id)
	return domain.CatalogDocument{}
}

const variantProductJSON = `{
	"same_price": %s,
	"price": {"cents": 100, "dollars": "100", "currency_iso": "TWD"},
	"price_sale": {"cents": 100, "dollars": "100", "currency_iso": "TWD"},
	"unlimited_quantity": true,
	"medias": [{"images": {"thumb": {"url": "thumb_url"}, "original": {"url": "original_url"}}}],
	"variations": [{
		"id": "var-1",
		%s
		"unlimited_quantity": null,
		"media": {"images": {"thumb": {"url": "var_thumb_url"}, "original": {"url": "var_original_url"}}},
		"fields_translations": {"en": ["Blue", "L"]}
	}]
}`

func variantDoc() domain.CatalogDocument {
	return domain.CatalogDocument{ID: "doc-v", Host: "h1", SaleEvent: "se1", ProductID: "prod-1", VariationID: "var-1", Status: domain.CatalogStatusActive}
}

func productDoc() domain.CatalogDocument {
	return domain.CatalogDocument{ID: "doc-p", Host: "h1", SaleEvent: "se1", ProductID: "prod-1", Status: domain.CatalogStatusActive}
}

func TestProductSynchronizerRemovedProductSoftDeletes(t *testing.T) {
	price := &domain.Price{Cents: 10, CurrencyISO: "TWD"}
	doc := productDoc()
	doc.Price = price
	svc, store, _ := newSyncFixture(t, decodeProduct(t, `{"status":"removed"}`), UnmatchedVariantLeave, doc, variantDoc())

	result, err := svc.Execute(context.Background(), SyncCommand{ProductID: "prod-1", AccessToken: "tok"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Removed || result.Deleted != 2 {
		t.Fatalf("expected removal of 2 documents, got %+v", result)
	}
	got := findDoc(t, store, "doc-p")
	if got.DeletedAt == nil || !got.DeletedAt.Equal(syncTestNow) {
		t.Fatalf("expected deletedAt %s, got %v", syncTestNow, got.DeletedAt)
	}
	if !got.Price.Equal(price) {
		t.Fatalf("expected price untouched, got %+v", got.Price)
	}
}

func TestProductSynchronizerProductWithoutVariations(t *testing.T) {
	product := decodeProduct(t, `{
		"price": {"cents": 100, "dollars": "100", "currency_iso": "TWD"},
		"medias": [{"images": {"thumb": {"url": "thumb_url"}, "original": {"url": "original_url"}}}],
		"variations": []
	}`)
	svc, store, _ := newSyncFixture(t, product, UnmatchedVariantLeave, productDoc())

	result, err := svc.Execute(context.Background(), SyncCommand{ProductID: "prod-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 update, got %+v", result)
	}
	got := findDoc(t, store, "doc-p")
	if got.Price == nil || got.Price.Cents != 100 {
		t.Fatalf("expected price cents 100, got %+v", got.Price)
	}
	if got.PriceSale != nil {
		t.Fatalf("expected absent price_sale to resolve to nil, got %+v", got.PriceSale)
	}
	if images, _ := got.Media.Images(); images.Thumb != "thumb_url" {
		t.Fatalf("expected thumb_url, got %+v", got.Media)
	}
	if got.UnlimitedQuantity {
		t.Fatalf("expected availability default false")
	}
	if !got.UpdatedAt.Equal(syncTestNow) {
		t.Fatalf("expected updatedAt to be stamped")
	}
}

func TestProductSynchronizerVariantPricing(t *testing.T) {
	cases := []struct {
		name      string
		samePrice string
		variant   string
		wantCents *int64
		wantSale  *int64
	}{
		{
			name:      "own price when not same price",
			samePrice: "false",
			variant:   `"price": {"cents": 50, "dollars": "50", "currency_iso": "TWD"}, "price_sale": {"cents": 50, "dollars": "50", "currency_iso": "TWD"},`,
			wantCents: int64Ptr(50),
			wantSale:  int64Ptr(50),
		},
		{
			name:      "no fallback when variant has no price",
			samePrice: "false",
			variant:   ``,
		},
		{
			name:      "zero cents is a real price",
			samePrice: "false",
			variant:   `"price": {"cents": 0, "dollars": "0", "currency_iso": "TWD"},`,
			wantCents: int64Ptr(0),
		},
		{
			name:      "family price ignores variant price",
			samePrice: "true",
			variant:   `"price": {"cents": 50, "dollars": "50", "currency_iso": "TWD"}, "price_sale": {"cents": 50, "dollars": "50", "currency_iso": "TWD"},`,
			wantCents: int64Ptr(100),
			wantSale:  int64Ptr(100),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			product := decodeProduct(t, fmt.Sprintf(variantProductJSON, tc.samePrice, tc.variant))
			svc, store, _ := newSyncFixture(t, product, UnmatchedVariantLeave, variantDoc())
			if _, err := svc.Execute(context.Background(), SyncCommand{ProductID: "prod-1"}); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			got := findDoc(t, store, "doc-v")
			assertCents(t, "price", got.Price, tc.wantCents)
			assertCents(t, "price_sale", got.PriceSale, tc.wantSale)
			if !got.UnlimitedQuantity {
				t.Fatalf("expected null variant availability to inherit product value true")
			}
			if images, _ := got.Media.Images(); images.Thumb != "var_thumb_url" || images.Original != "var_original_url" {
				t.Fatalf("expected variant media, got %+v", got.Media)
			}
			if want := []string{"Blue", "L"}; !reflect.DeepEqual(got.VariationFieldsTranslations["en"], want) {
				t.Fatalf("expected translations %v, got %v", want, got.VariationFieldsTranslations)
			}
		})
	}
}

func TestProductSynchronizerIsIdempotent(t *testing.T) {
	product := decodeProduct(t, fmt.Sprintf(variantProductJSON, "false", `"price": {"cents": 50, "dollars": "50", "currency_iso": "TWD"},`))
	svc, store, _ := newSyncFixture(t, product, UnmatchedVariantLeave, variantDoc(), productDoc())
	ctx := context.Background()

	first, err := svc.Execute(ctx, SyncCommand{ProductID: "prod-1"})
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if first.Updated != 2 {
		t.Fatalf("expected 2 updates on first run, got %+v", first)
	}
	snapshot := store.All()

	second, err := svc.Execute(ctx, SyncCommand{ProductID: "prod-1"})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if second.Updated != 0 || second.Unchanged != 2 {
		t.Fatalf("expected no rewrites on second run, got %+v", second)
	}
	if !reflect.DeepEqual(snapshot, store.All()) {
		t.Fatalf("expected identical documents after second run")
	}
}

func TestProductSynchronizerUnmatchedVariantPolicy(t *testing.T) {
	product := decodeProduct(t, `{"price": {"cents": 100, "dollars": "100", "currency_iso": "TWD"}, "variations": [{"id": "other"}]}`)
	original := variantDoc()
	original.Price = &domain.Price{Cents: 7, CurrencyISO: "TWD"}

	svc, store, _ := newSyncFixture(t, product, UnmatchedVariantLeave, original)
	result, err := svc.Execute(context.Background(), SyncCommand{ProductID: "prod-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Unmatched != 1 || result.Deleted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	got := findDoc(t, store, "doc-v")
	if got.Deleted() || got.Price.Cents != 7 {
		t.Fatalf("expected unmatched document untouched, got %+v", got)
	}

	svc, store, _ = newSyncFixture(t, product, UnmatchedVariantSoftDelete, original)
	result, err = svc.Execute(context.Background(), SyncCommand{ProductID: "prod-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected soft delete of unmatched variant, got %+v", result)
	}
	if got := findDoc(t, store, "doc-v"); !got.Deleted() || got.Price.Cents != 7 {
		t.Fatalf("expected deleted document with original price, got %+v", got)
	}
}

func TestProductSynchronizerUpstreamFailureDoesNotMutate(t *testing.T) {
	svc, store, fetcher := newSyncFixture(t, domain.ExternalProduct{}, UnmatchedVariantLeave, productDoc())
	fetcher.err = context.DeadlineExceeded
	before := store.All()

	_, err := svc.Execute(context.Background(), SyncCommand{ProductID: "prod-1", AccessToken: "tok"})
	var upstream *UpstreamFetchError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamFetchError, got %v", err)
	}
	if !errors.Is(err, ErrUpstreamFetch) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected sentinel and cause to match, got %v", err)
	}
	if !reflect.DeepEqual(before, store.All()) {
		t.Fatalf("expected no mutation on upstream failure")
	}
	if !reflect.DeepEqual(fetcher.tokens, []string{"tok"}) {
		t.Fatalf("expected token forwarded once, got %v", fetcher.tokens)
	}
}

func TestProductSynchronizerSkipsDeletedDocuments(t *testing.T) {
	deletedAt := syncTestNow.Add(-time.Hour)
	doc := productDoc()
	doc.DeletedAt = &deletedAt
	product := decodeProduct(t, `{"price": {"cents": 100, "dollars": "1", "currency_iso": "TWD"}}`)
	svc, store, _ := newSyncFixture(t, product, UnmatchedVariantLeave, doc)

	result, err := svc.Execute(context.Background(), SyncCommand{ProductID: "prod-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Updated != 0 {
		t.Fatalf("expected deleted document to be skipped, got %+v", result)
	}
	if got := findDoc(t, store, "doc-p"); got.Price != nil || !got.DeletedAt.Equal(deletedAt) {
		t.Fatalf("expected deleted document untouched, got %+v", got)
	}
}

func TestProductSynchronizerRequiresProductID(t *testing.T) {
	svc, _, fetcher := newSyncFixture(t, domain.ExternalProduct{}, UnmatchedVariantLeave)
	_, err := svc.Execute(context.Background(), SyncCommand{ProductID: "  "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no upstream call")
	}
}

func TestParseUnmatchedVariantPolicy(t *testing.T) {
	if policy, err := ParseUnmatchedVariantPolicy(""); err != nil || policy != UnmatchedVariantLeave {
		t.Fatalf("expected default leave, got %q %v", policy, err)
	}
	if policy, err := ParseUnmatchedVariantPolicy("SOFT_DELETE"); err != nil || policy != UnmatchedVariantSoftDelete {
		t.Fatalf("expected soft_delete, got %q %v", policy, err)
	}
	if _, err := ParseUnmatchedVariantPolicy("purge"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func assertCents(t *testing.T, field string, price *domain.Price, want *int64) {
	t.Helper()
	if want == nil {
		if price != nil {
			t.Fatalf("expected %s nil, got %+v", field, price)
		}
		return
	}
	if price == nil || price.Cents != *want {
		t.Fatalf("expected %s cents %d, got %+v", field, *want, price)
	}
}

func int64Ptr(v int64) *int64 { return &v }
