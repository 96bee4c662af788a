package handlers

import (
	"time"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/services"
)

type pricePayload struct {
	Cents       int64  `json:"cents"`
	Dollars     string `json:"dollars"`
	CurrencyISO string `json:"currencyIso"`
}

type imagesPayload struct {
	Thumb    string `json:"thumb,omitempty"`
	Original string `json:"original,omitempty"`
}

type adminDocumentPayload struct {
	ID                          string                   `json:"id"`
	ProductID                   string                   `json:"productId"`
	VariationID                 string                   `json:"variationId,omitempty"`
	Host                        string                   `json:"host"`
	SaleEvent                   string                   `json:"saleEvent"`
	Status                      string                   `json:"status"`
	Price                       *pricePayload            `json:"price"`
	PriceSale                   *pricePayload            `json:"priceSale"`
	UnlimitedQuantity           bool                     `json:"unlimitedQuantity"`
	Media                       map[string]imagesPayload `json:"media,omitempty"`
	VariationFieldsTranslations map[string][]string      `json:"variationFieldsTranslations,omitempty"`
	CreatedAt                   string                   `json:"createdAt,omitempty"`
	UpdatedAt                   string                   `json:"updatedAt,omitempty"`
	DeletedAt                   *string                  `json:"deletedAt"`
}

type publicDocumentPayload struct {
	ID                          string                   `json:"id"`
	ProductID                   string                   `json:"productId"`
	VariationID                 string                   `json:"variationId,omitempty"`
	Status                      string                   `json:"status"`
	Price                       *pricePayload            `json:"price"`
	PriceSale                   *pricePayload            `json:"priceSale"`
	UnlimitedQuantity           bool                     `json:"unlimitedQuantity"`
	Media                       map[string]imagesPayload `json:"media,omitempty"`
	Locale                      string                   `json:"locale,omitempty"`
	VariationFieldsTranslations map[string][]string      `json:"variationFieldsTranslations,omitempty"`
	UpdatedAt                   string                   `json:"updatedAt,omitempty"`
}

type pageMeta struct {
	Page   int `json:"page"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse[T any] struct {
	Items      []T      `json:"items"`
	Pagination pageMeta `json:"pagination"`
}

func newListResponse[S, T any](page domain.Page[S], convert func(S) T) listResponse[T] {
	items := make([]T, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, convert(item))
	}
	return listResponse[T]{
		Items:      items,
		Pagination: pageMeta{Page: page.Page, Offset: page.Offset, Limit: page.Limit, Total: page.Total},
	}
}

func newPricePayload(price *domain.Price) *pricePayload {
	if price == nil {
		return nil
	}
	return &pricePayload{Cents: price.Cents, Dollars: price.Dollars.StringFixed(2), CurrencyISO: price.CurrencyISO}
}

func newMediaPayload(media domain.Media) map[string]imagesPayload {
	if len(media) == 0 {
		return nil
	}
	out := make(map[string]imagesPayload, len(media))
	for key, images := range media {
		out[key] = imagesPayload{Thumb: images.Thumb, Original: images.Original}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func newAdminDocumentPayload(doc services.AdminCatalogDocument) adminDocumentPayload {
	payload := adminDocumentPayload{
		ID:                          doc.ID,
		ProductID:                   doc.ProductID,
		VariationID:                 doc.VariationID,
		Host:                        doc.Host,
		SaleEvent:                   doc.SaleEvent,
		Status:                      doc.Status,
		Price:                       newPricePayload(doc.Price),
		PriceSale:                   newPricePayload(doc.PriceSale),
		UnlimitedQuantity:           doc.UnlimitedQuantity,
		Media:                       newMediaPayload(doc.Media),
		VariationFieldsTranslations: doc.VariationFieldsTranslations,
		CreatedAt:                   formatTime(doc.CreatedAt),
		UpdatedAt:                   formatTime(doc.UpdatedAt),
	}
	if doc.DeletedAt != nil {
		deleted := formatTime(*doc.DeletedAt)
		payload.DeletedAt = &deleted
	}
	return payload
}

func newAdminDocumentPayloads(docs []services.AdminCatalogDocument) []adminDocumentPayload {
	out := make([]adminDocumentPayload, 0, len(docs))
	for _, doc := range docs {
		out = append(out, newAdminDocumentPayload(doc))
	}
	return out
}

func newPublicDocumentPayload(doc services.PublicCatalogDocument) publicDocumentPayload {
	return publicDocumentPayload{
		ID:                          doc.ID,
		ProductID:                   doc.ProductID,
		VariationID:                 doc.VariationID,
		Status:                      doc.Status,
		Price:                       newPricePayload(doc.Price),
		PriceSale:                   newPricePayload(doc.PriceSale),
		UnlimitedQuantity:           doc.UnlimitedQuantity,
		Media:                       newMediaPayload(doc.Media),
		Locale:                      doc.Locale,
		VariationFieldsTranslations: doc.VariationFieldsTranslations,
		UpdatedAt:                   formatTime(doc.UpdatedAt),
	}
}
