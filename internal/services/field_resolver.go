package services

import (
	domain "github.com/catalogsync/api/internal/domain"
)

// ResolvedFields is the outcome of field resolution for one document. A nil Images leaves the
// document's media untouched; Translations are only applied in variant mode.
type ResolvedFields struct {
	Price             *domain.Price
	PriceSale         *domain.Price
	UnlimitedQuantity bool
	Images            *domain.MediaImages
	Translations      map[string][]string
	VariantMode       bool
}

// ResolveFields picks the synchronised value of each field. variant must be the external variation
// matched to a variant-scoped document and nil for product-scoped documents. Removal is handled by the
// caller before resolution runs.
func ResolveFields(product domain.ExternalProduct, variant *domain.ExternalVariation, samePrice bool, existing domain.CatalogDocument) ResolvedFields {
	variantMode := variant != nil && existing.VariantScoped()

	resolved := ResolvedFields{VariantMode: variantMode}
	resolved.Price, resolved.PriceSale = resolvePrices(product, variant, samePrice, variantMode)
	resolved.UnlimitedQuantity = resolveAvailability(product, variant, variantMode)
	resolved.Images = resolveImages(product, variant, variantMode)
	if variantMode {
		resolved.Translations = cloneStringSlices(variant.FieldsTranslations.OrElse(nil))
	}
	return resolved
}

func resolvePrices(product domain.ExternalProduct, variant *domain.ExternalVariation, samePrice, variantMode bool) (*domain.Price, *domain.Price) {
	price, sale := product.Price, product.PriceSale
	if variantMode && !samePrice {
		// No fallback to the family price: an unpriced variant stays unpriced.
		price, sale = variant.Price, variant.PriceSale
	}
	return externalPrice(price), externalPrice(sale)
}

func externalPrice(field domain.Field[domain.ExternalPrice]) *domain.Price {
	value, ok := field.Get()
	if !ok {
		return nil
	}
	return value.ToPrice()
}

func resolveAvailability(product domain.ExternalProduct, variant *domain.ExternalVariation, variantMode bool) bool {
	if variantMode {
		if value, ok := variant.UnlimitedQuantity.Get(); ok {
			return value
		}
	}
	return product.UnlimitedQuantity.OrElse(false)
}

func resolveImages(product domain.ExternalProduct, variant *domain.ExternalVariation, variantMode bool) *domain.MediaImages {
	if variantMode && variant.Media != nil && variant.Media.Images != nil {
		return &domain.MediaImages{Thumb: variant.Media.Images.Thumb, Original: variant.Media.Images.Original}
	}
	if len(product.Medias) > 0 && product.Medias[0].Images != nil {
		first := product.Medias[0].Images
		return &domain.MediaImages{Thumb: first.Thumb, Original: first.Original}
	}
	return nil
}

// Apply merges the resolved fields into a copy of doc. Identity, status and deletedAt are never touched.
func (r ResolvedFields) Apply(doc domain.CatalogDocument) domain.CatalogDocument {
	out := doc
	out.Price = r.Price.Clone()
	out.PriceSale = r.PriceSale.Clone()
	out.UnlimitedQuantity = r.UnlimitedQuantity
	if r.Images != nil {
		out.Media = doc.Media.Clone()
		if out.Media == nil {
			out.Media = domain.Media{}
		}
		out.Media[domain.MediaImagesKey] = *r.Images
	}
	if r.VariantMode {
		out.VariationFieldsTranslations = cloneStringSlices(r.Translations)
	}
	return out
}

// sameSyncedState reports whether two documents agree on every synchronised field.
func sameSyncedState(a, b domain.CatalogDocument) bool {
	if !a.Price.Equal(b.Price) || !a.PriceSale.Equal(b.PriceSale) {
		return false
	}
	if a.UnlimitedQuantity != b.UnlimitedQuantity {
		return false
	}
	if len(a.Media) != len(b.Media) {
		return false
	}
	for key, images := range a.Media {
		if other, ok := b.Media[key]; !ok || other != images {
			return false
		}
	}
	if len(a.VariationFieldsTranslations) != len(b.VariationFieldsTranslations) {
		return false
	}
	for lang, values := range a.VariationFieldsTranslations {
		other, ok := b.VariationFieldsTranslations[lang]
		if !ok || len(other) != len(values) {
			return false
		}
		for i := range values {
			if values[i] != other[i] {
				return false
			}
		}
	}
	return true
}

func cloneStringSlices(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for key, values := range in {
		out[key] = append([]string(nil), values...)
	}
	return out
}
