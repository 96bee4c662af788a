package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ExternalStatusRemoved is the upstream status marking a deleted product.
const ExternalStatusRemoved = "removed"

// ExternalPrice is the upstream price shape.
type ExternalPrice struct {
	Cents       int64           `json:"cents"`
	Dollars     decimal.Decimal `json:"dollars"`
	CurrencyISO string          `json:"currency_iso"`
}

// ToPrice converts the upstream price to the local representation.
func (p ExternalPrice) ToPrice() *Price {
	return &Price{Cents: p.Cents, Dollars: p.Dollars, CurrencyISO: p.CurrencyISO}
}

// ExternalImages is decoded from the upstream {"thumb":{"url":..},"original":{"url":..}} shape.
type ExternalImages struct {
	Thumb    string
	Original string
}

type externalImageURL struct {
	URL string `json:"url"`
}

// UnmarshalJSON flattens the nested url objects.
func (i *ExternalImages) UnmarshalJSON(data []byte) error {
	var raw struct {
		Thumb    *externalImageURL `json:"thumb"`
		Original *externalImageURL `json:"original"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = ExternalImages{}
	if raw.Thumb != nil {
		i.Thumb = raw.Thumb.URL
	}
	if raw.Original != nil {
		i.Original = raw.Original.URL
	}
	return nil
}

// MarshalJSON restores the nested upstream shape.
func (i ExternalImages) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]externalImageURL{
		"thumb":    {URL: i.Thumb},
		"original": {URL: i.Original},
	})
}

// ExternalMedia is one upstream media entry.
type ExternalMedia struct {
	Images *ExternalImages `json:"images"`
}

// ExternalVariation is one upstream variant of a product.
type ExternalVariation struct {
	ID                 string                     `json:"id"`
	Price              Field[ExternalPrice]       `json:"price"`
	PriceSale          Field[ExternalPrice]       `json:"price_sale"`
	UnlimitedQuantity  Field[bool]                `json:"unlimited_quantity"`
	Media              *ExternalMedia             `json:"media"`
	FieldsTranslations Field[map[string][]string] `json:"fields_translations"`
}

// ExternalProduct is the record fetched from the upstream catalog API for one product.
type ExternalProduct struct {
	ID                string               `json:"id"`
	Status            Field[string]        `json:"status"`
	SamePrice         Field[bool]          `json:"same_price"`
	Price             Field[ExternalPrice] `json:"price"`
	PriceSale         Field[ExternalPrice] `json:"price_sale"`
	UnlimitedQuantity Field[bool]          `json:"unlimited_quantity"`
	Medias            []ExternalMedia      `json:"medias"`
	Variations        []ExternalVariation  `json:"variations"`
}

// Removed reports whether upstream marks the product as removed.
func (p ExternalProduct) Removed() bool {
	return p.Status.OrElse("") == ExternalStatusRemoved
}

// FamilyPrice reports whether all variations share the product-level price. Absent means false.
func (p ExternalProduct) FamilyPrice() bool {
	return p.SamePrice.OrElse(false)
}

// Variation finds the variation with the given id.
func (p ExternalProduct) Variation(id string) (ExternalVariation, bool) {
	for _, variation := range p.Variations {
		if variation.ID == id {
			return variation, true
		}
	}
	return ExternalVariation{}, false
}

// ExternalProductPage is one page of the upstream product listing.
type ExternalProductPage struct {
	Items      []ExternalProduct `json:"items"`
	Pagination struct {
		CurrentPage int `json:"current_page"`
		PerPage     int `json:"per_page"`
		TotalPages  int `json:"total_pages"`
		TotalCount  int `json:"total_count"`
	} `json:"pagination"`
}
