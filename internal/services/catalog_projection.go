package services

import (
	"time"

	domain "github.com/catalogsync/api/internal/domain"
)

// AdminCatalogDocument is the administrative rendering of a catalog document; every field is exposed.
type AdminCatalogDocument struct {
	ID                          string
	ProductID                   string
	VariationID                 string
	Host                        string
	SaleEvent                   string
	Status                      string
	Price                       *domain.Price
	PriceSale                   *domain.Price
	UnlimitedQuantity           bool
	Media                       domain.Media
	VariationFieldsTranslations map[string][]string
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
	DeletedAt                   *time.Time
}

// PublicCatalogDocument omits set-membership and soft-delete fields. Translations are sanitised and
// narrowed to Locale when one was negotiated.
type PublicCatalogDocument struct {
	ID                          string
	ProductID                   string
	VariationID                 string
	Status                      string
	Price                       *domain.Price
	PriceSale                   *domain.Price
	UnlimitedQuantity           bool
	Media                       domain.Media
	Locale                      string
	VariationFieldsTranslations map[string][]string
	UpdatedAt                   time.Time
}

// NewAdminCatalogDocument renders the admin projection.
func NewAdminCatalogDocument(doc domain.CatalogDocument) AdminCatalogDocument {
	return AdminCatalogDocument{
		ID:                          doc.ID,
		ProductID:                   doc.ProductID,
		VariationID:                 doc.VariationID,
		Host:                        doc.Host,
		SaleEvent:                   doc.SaleEvent,
		Status:                      doc.Status,
		Price:                       doc.Price.Clone(),
		PriceSale:                   doc.PriceSale.Clone(),
		UnlimitedQuantity:           doc.UnlimitedQuantity,
		Media:                       doc.Media.Clone(),
		VariationFieldsTranslations: cloneStringSlices(doc.VariationFieldsTranslations),
		CreatedAt:                   doc.CreatedAt,
		UpdatedAt:                   doc.UpdatedAt,
		DeletedAt:                   doc.DeletedAt,
	}
}

// PubliclyVisible reports whether the document may appear in public projections.
func PubliclyVisible(doc domain.CatalogDocument) bool {
	if doc.Deleted() {
		return false
	}
	for _, status := range domain.PublicCatalogStatuses {
		if doc.Status == status {
			return true
		}
	}
	return false
}

// NewPublicCatalogDocument renders the public projection. Callers filter with PubliclyVisible first.
func NewPublicCatalogDocument(doc domain.CatalogDocument) PublicCatalogDocument {
	return PublicCatalogDocument{
		ID:                          doc.ID,
		ProductID:                   doc.ProductID,
		VariationID:                 doc.VariationID,
		Status:                      doc.Status,
		Price:                       doc.Price.Clone(),
		PriceSale:                   doc.PriceSale.Clone(),
		UnlimitedQuantity:           doc.UnlimitedQuantity,
		Media:                       doc.Media.Clone(),
		VariationFieldsTranslations: cloneStringSlices(doc.VariationFieldsTranslations),
		UpdatedAt:                   doc.UpdatedAt,
	}
}

func adminDocuments(docs []domain.CatalogDocument) []AdminCatalogDocument {
	out := make([]AdminCatalogDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, NewAdminCatalogDocument(doc))
	}
	return out
}
