package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// CatalogStatusActive marks a document that is listed and purchasable.
	CatalogStatusActive = "active"
	// CatalogStatusHidden marks a document that is reachable by link but not listed.
	CatalogStatusHidden = "hidden"
	// CatalogStatusDraft marks a document that is not exposed publicly.
	CatalogStatusDraft = "draft"

	// MediaImagesKey is the media entry that holds thumbnail and original URLs.
	MediaImagesKey = "images"
)

// PublicCatalogStatuses lists the statuses exposed through public projections.
var PublicCatalogStatuses = []string{CatalogStatusActive, CatalogStatusHidden}

// Price is a monetary amount in both minor units and decimal form. A zero Cents value is a real
// price; "no price" is modelled as a nil *Price.
type Price struct {
	Cents       int64
	Dollars     decimal.Decimal
	CurrencyISO string
}

// Equal reports whether two optional prices are identical.
func (p *Price) Equal(other *Price) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	return p.Cents == other.Cents && p.CurrencyISO == other.CurrencyISO && p.Dollars.Equal(other.Dollars)
}

// Clone returns a copy of the price.
func (p *Price) Clone() *Price {
	if p == nil {
		return nil
	}
	copied := *p
	return &copied
}

// MediaImages holds the flattened thumbnail and original image URLs.
type MediaImages struct {
	Thumb    string
	Original string
}

// Media maps media kinds to their images. Only MediaImagesKey is written by synchronisation; other
// entries are preserved.
type Media map[string]MediaImages

// Images returns the images entry if present.
func (m Media) Images() (MediaImages, bool) {
	if m == nil {
		return MediaImages{}, false
	}
	images, ok := m[MediaImagesKey]
	return images, ok
}

// Clone returns a shallow copy of the media mapping.
func (m Media) Clone() Media {
	if m == nil {
		return nil
	}
	out := make(Media, len(m))
	for key, value := range m {
		out[key] = value
	}
	return out
}

// CatalogIdentity is the composite key that scopes a document to a sale event.
type CatalogIdentity struct {
	Host        string
	SaleEvent   string
	ProductID   string
	VariationID string
}

// CatalogDocument is the locally owned, denormalised representation of a sellable product or one
// variant of it. An empty VariationID marks a product-scoped document.
type CatalogDocument struct {
	ID                          string
	ProductID                   string
	VariationID                 string
	Host                        string
	SaleEvent                   string
	Status                      string
	Price                       *Price
	PriceSale                   *Price
	UnlimitedQuantity           bool
	Media                       Media
	VariationFieldsTranslations map[string][]string
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
	DeletedAt                   *time.Time
}

// VariantScoped reports whether the document represents a specific variation.
func (d CatalogDocument) VariantScoped() bool {
	return d.VariationID != ""
}

// Deleted reports whether the document has been soft-deleted.
func (d CatalogDocument) Deleted() bool {
	return d.DeletedAt != nil
}

// Identity returns the composite key for the document.
func (d CatalogDocument) Identity() CatalogIdentity {
	return CatalogIdentity{
		Host:        d.Host,
		SaleEvent:   d.SaleEvent,
		ProductID:   d.ProductID,
		VariationID: d.VariationID,
	}
}

// CatalogCriteria is an equality filter over catalog documents. Empty strings are ignored except for
// VariationID, which is only applied when MatchVariation is set so that product-scoped documents can
// be selected explicitly.
type CatalogCriteria struct {
	Host           string
	SaleEvent      string
	ProductID      string
	VariationID    string
	MatchVariation bool
	Statuses       []string
	IncludeDeleted bool
}

// Matches reports whether the document satisfies the criteria.
func (c CatalogCriteria) Matches(doc CatalogDocument) bool {
	if c.Host != "" && doc.Host != c.Host {
		return false
	}
	if c.SaleEvent != "" && doc.SaleEvent != c.SaleEvent {
		return false
	}
	if c.ProductID != "" && doc.ProductID != c.ProductID {
		return false
	}
	if c.MatchVariation && doc.VariationID != c.VariationID {
		return false
	}
	if !c.IncludeDeleted && doc.DeletedAt != nil {
		return false
	}
	if len(c.Statuses) > 0 {
		found := false
		for _, status := range c.Statuses {
			if doc.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CatalogUpsert is the payload applied to the document identified by Identity.
type CatalogUpsert struct {
	Identity CatalogIdentity
	Status   string
}

// CatalogPatch lists the fields UpdateMany may change. Only soft-deletion is supported.
type CatalogPatch struct {
	DeletedAt time.Time
}

// SaleEvent groups catalog documents for one host.
type SaleEvent struct {
	ID        string
	Host      string
	Title     string
	Status    string
	StartsAt  *time.Time
	EndsAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the sale event was soft-deleted.
func (e SaleEvent) Deleted() bool { return e.DeletedAt != nil }
