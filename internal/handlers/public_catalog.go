package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/catalogsync/api/internal/platform/httpx"
	"github.com/catalogsync/api/internal/platform/pagination"
	"github.com/catalogsync/api/internal/services"
)

// PublicCatalogHandlers serves the unauthenticated sale-event listing.
type PublicCatalogHandlers struct {
	catalog services.CatalogReadService
}

// NewPublicCatalogHandlers constructs public catalog handlers.
func NewPublicCatalogHandlers(catalog services.CatalogReadService) *PublicCatalogHandlers {
	return &PublicCatalogHandlers{catalog: catalog}
}

// Routes registers public endpoints.
func (h *PublicCatalogHandlers) Routes(r chi.Router) {
	r.With(pagination.Middleware(paginationError)).
		Get("/sale-events/{saleEventID}/products", h.listProducts)
}

func (h *PublicCatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	params, _ := pagination.FromContext(ctx)

	lang := strings.TrimSpace(r.URL.Query().Get("lang"))
	if lang == "" {
		lang = firstAcceptLanguage(r.Header.Get("Accept-Language"))
	}

	page, err := h.catalog.ListSaleEventProducts(ctx, services.PublicListFilter{
		SaleEventID: chi.URLParam(r, "saleEventID"),
		Lang:        lang,
		PageParams:  pageParams(params),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	httpx.WriteJSON(w, http.StatusOK, newListResponse(page, newPublicDocumentPayload))
}

func pageParams(params pagination.Params) services.PageParams {
	return services.PageParams{Page: params.Page, Offset: params.Offset, Limit: params.Limit}
}

// firstAcceptLanguage returns the first tag of an Accept-Language header, ignoring weights.
func firstAcceptLanguage(header string) string {
	first, _, _ := strings.Cut(header, ",")
	tag, _, _ := strings.Cut(first, ";")
	tag = strings.TrimSpace(tag)
	if tag == "*" {
		return ""
	}
	return tag
}
