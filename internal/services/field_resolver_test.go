package services

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/catalogsync/api/internal/domain"
)

func twd(cents int64) domain.Field[domain.ExternalPrice] {
	return domain.Present(domain.ExternalPrice{Cents: cents, Dollars: decimal.New(cents, -2), CurrencyISO: "TWD"})
}

func TestResolveFieldsAvailabilityPrecedence(t *testing.T) {
	variantDoc := domain.CatalogDocument{ProductID: "p", VariationID: "v"}
	cases := []struct {
		name    string
		product domain.Field[bool]
		variant domain.Field[bool]
		want    bool
	}{
		{name: "variant false overrides product true", product: domain.Present(true), variant: domain.Present(false), want: false},
		{name: "variant null inherits", product: domain.Present(true), variant: domain.Null[bool](), want: true},
		{name: "variant absent inherits", product: domain.Present(true), want: true},
		{name: "nothing present defaults false", variant: domain.Null[bool](), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			product := domain.ExternalProduct{UnlimitedQuantity: tc.product}
			variant := domain.ExternalVariation{ID: "v", UnlimitedQuantity: tc.variant}
			got := ResolveFields(product, &variant, false, variantDoc)
			if got.UnlimitedQuantity != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got.UnlimitedQuantity)
			}
		})
	}
}

func TestResolveFieldsProductModeIgnoresVariantData(t *testing.T) {
	product := domain.ExternalProduct{Price: twd(100), PriceSale: domain.Null[domain.ExternalPrice]()}
	got := ResolveFields(product, nil, false, domain.CatalogDocument{ProductID: "p"})
	if got.VariantMode {
		t.Fatalf("expected product mode")
	}
	if got.Price == nil || got.Price.Cents != 100 || got.PriceSale != nil {
		t.Fatalf("unexpected prices %+v %+v", got.Price, got.PriceSale)
	}
	if got.Images != nil {
		t.Fatalf("expected no images without medias, got %+v", got.Images)
	}
}

func TestResolvedFieldsApplyPreservesUntouchedFields(t *testing.T) {
	existing := domain.CatalogDocument{
		ID:          "doc",
		ProductID:   "p",
		Status:      domain.CatalogStatusHidden,
		Media:       domain.Media{"video": {Thumb: "vt"}, domain.MediaImagesKey: {Thumb: "old"}},
		SaleEvent:   "se",
		Host:        "h",
		VariationID: "",
		VariationFieldsTranslations: map[string][]string{
			"en": {"kept"},
		},
	}

	noMedia := ResolveFields(domain.ExternalProduct{}, nil, false, existing).Apply(existing)
	if !reflect.DeepEqual(noMedia.Media, existing.Media) {
		t.Fatalf("expected media untouched, got %+v", noMedia.Media)
	}
	if !reflect.DeepEqual(noMedia.VariationFieldsTranslations, existing.VariationFieldsTranslations) {
		t.Fatalf("expected translations untouched in product mode")
	}

	product := domain.ExternalProduct{Medias: []domain.ExternalMedia{
		{Images: &domain.ExternalImages{Thumb: "first", Original: "first-o"}},
		{Images: &domain.ExternalImages{Thumb: "second"}},
	}}
	applied := ResolveFields(product, nil, false, existing).Apply(existing)
	if applied.Media[domain.MediaImagesKey].Thumb != "first" || applied.Media["video"].Thumb != "vt" {
		t.Fatalf("expected first media entry and other kinds preserved, got %+v", applied.Media)
	}
	if existing.Media[domain.MediaImagesKey].Thumb != "old" {
		t.Fatalf("expected Apply not to mutate the input document")
	}
	if applied.Status != existing.Status || applied.ID != existing.ID || applied.SaleEvent != existing.SaleEvent {
		t.Fatalf("expected identity and status preserved, got %+v", applied)
	}
}

func TestResolveFieldsVariantMediaFallsBackToProduct(t *testing.T) {
	product := domain.ExternalProduct{Medias: []domain.ExternalMedia{{Images: &domain.ExternalImages{Thumb: "product"}}}}
	variant := domain.ExternalVariation{ID: "v", Media: &domain.ExternalMedia{}}
	got := ResolveFields(product, &variant, false, domain.CatalogDocument{ProductID: "p", VariationID: "v"})
	if got.Images == nil || got.Images.Thumb != "product" {
		t.Fatalf("expected product media fallback, got %+v", got.Images)
	}
	if got.Translations != nil {
		t.Fatalf("expected nil translations when variant supplies none, got %v", got.Translations)
	}
}

func TestSameSyncedStateTreatsEmptyMapsAsEqual(t *testing.T) {
	a := domain.CatalogDocument{Media: domain.Media{}, VariationFieldsTranslations: map[string][]string{}}
	b := domain.CatalogDocument{}
	if !sameSyncedState(a, b) {
		t.Fatalf("expected empty and nil maps to compare equal")
	}
	b.Price = &domain.Price{Cents: 0}
	if sameSyncedState(a, b) {
		t.Fatalf("expected nil price to differ from zero price")
	}
}
