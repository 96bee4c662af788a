package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/catalogsync/api/internal/platform/auth"
	"github.com/catalogsync/api/internal/platform/httpx"
	"github.com/catalogsync/api/internal/platform/observability"
	"github.com/catalogsync/api/internal/platform/pagination"
	"github.com/catalogsync/api/internal/services"
)

const maxMembershipRequestBody = 512 * 1024

// AdminCatalogHandlers exposes sale-event membership management for operators and hosts.
type AdminCatalogHandlers struct {
	authn      *auth.AdminAuthenticator
	catalog    services.CatalogReadService
	reconciler services.BulkReconciler
	guard      func(http.Handler) http.Handler
}

// NewAdminCatalogHandlers constructs admin handlers.
func NewAdminCatalogHandlers(authn *auth.AdminAuthenticator, catalog services.CatalogReadService, reconciler services.BulkReconciler) *AdminCatalogHandlers {
	return &AdminCatalogHandlers{authn: authn, catalog: catalog, reconciler: reconciler}
}

// WithMutationGuard installs middleware that runs after authentication on every route, typically the
// idempotency guard.
func (h *AdminCatalogHandlers) WithMutationGuard(mw func(http.Handler) http.Handler) *AdminCatalogHandlers {
	h.guard = mw
	return h
}

// Routes registers admin endpoints. Every route requires an operator or host token.
func (h *AdminCatalogHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireAdmin())
	}
	r.Use(observability.AnnotateCaller(adminCaller))
	if h.guard != nil {
		r.Use(h.guard)
	}
	r.Route("/hosts/{hostID}/sale-events/{saleEventID}", func(rt chi.Router) {
		rt.With(pagination.Middleware(paginationError)).Get("/products", h.listProducts)
		rt.Post("/products", h.upsertSet)
		rt.Put("/products", h.replaceSet)
		rt.Post("/products:remove", h.removeSet)
	})
}

type membershipItemRequest struct {
	ProductID   string `json:"productId"`
	VariationID string `json:"variationId"`
	Status      string `json:"status"`
}

type membershipRequest struct {
	Items []membershipItemRequest `json:"items"`
}

type removeSetRequest struct {
	Criteria []map[string]any `json:"criteria"`
}

type removalOutcomePayload struct {
	ProductID   string `json:"productId,omitempty"`
	VariationID string `json:"variationId,omitempty"`
	Deleted     int    `json:"deleted"`
	Error       string `json:"error,omitempty"`
}

type removeSetResponse struct {
	Deleted  int                     `json:"deleted"`
	Outcomes []removalOutcomePayload `json:"outcomes"`
}

type replaceSetResponse struct {
	Items   []adminDocumentPayload `json:"items"`
	Removed int                    `json:"removed"`
}

func (h *AdminCatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	hostID, ok := h.scopedHost(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	includeDeleted := false
	if raw := strings.TrimSpace(query.Get("includeDeleted")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeInvalidRequest(ctx, w, "includeDeleted must be a boolean")
			return
		}
		includeDeleted = parsed
	}
	params, _ := pagination.FromContext(ctx)

	page, err := h.catalog.ListAdminProducts(ctx, services.AdminListFilter{
		SaleEventID:    chi.URLParam(r, "saleEventID"),
		HostID:         hostID,
		ProductID:      strings.TrimSpace(query.Get("productId")),
		Status:         strings.TrimSpace(query.Get("status")),
		IncludeDeleted: includeDeleted,
		PageParams:     pageParams(params),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newListResponse(page, newAdminDocumentPayload))
}

func (h *AdminCatalogHandlers) upsertSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "reconciler unavailable", http.StatusServiceUnavailable))
		return
	}
	hostID, ok := h.scopedHost(w, r)
	if !ok {
		return
	}
	var req membershipRequest
	if err := httpx.DecodeJSON(r, &req, maxMembershipRequestBody); err != nil {
		writeInvalidRequest(ctx, w, err.Error())
		return
	}

	docs, err := h.reconciler.UpsertSet(ctx, services.UpsertSetCommand{
		SaleEventID: chi.URLParam(r, "saleEventID"),
		HostID:      hostID,
		Items:       req.toItems(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": newAdminDocumentPayloads(docs)})
}

func (h *AdminCatalogHandlers) replaceSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "reconciler unavailable", http.StatusServiceUnavailable))
		return
	}
	hostID, ok := h.scopedHost(w, r)
	if !ok {
		return
	}
	var req membershipRequest
	if err := httpx.DecodeJSON(r, &req, maxMembershipRequestBody); err != nil {
		writeInvalidRequest(ctx, w, err.Error())
		return
	}

	result, err := h.reconciler.ReplaceSet(ctx, services.ReplaceSetCommand{
		SaleEventID: chi.URLParam(r, "saleEventID"),
		HostID:      hostID,
		Items:       req.toItems(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, replaceSetResponse{Items: newAdminDocumentPayloads(result.Documents), Removed: result.Removed})
}

// removeSet answers 207 when some criteria failed so callers can retry only those.
func (h *AdminCatalogHandlers) removeSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "reconciler unavailable", http.StatusServiceUnavailable))
		return
	}
	hostID, ok := h.scopedHost(w, r)
	if !ok {
		return
	}
	var req removeSetRequest
	if err := httpx.DecodeJSON(r, &req, maxMembershipRequestBody); err != nil {
		writeInvalidRequest(ctx, w, err.Error())
		return
	}
	criteria := make([]services.RemovalCriterion, 0, len(req.Criteria))
	for _, raw := range req.Criteria {
		criteria = append(criteria, services.RemovalCriterionFromMap(raw))
	}

	result, err := h.reconciler.RemoveSet(ctx, services.RemoveSetCommand{
		SaleEventID: chi.URLParam(r, "saleEventID"),
		HostID:      hostID,
		Criteria:    criteria,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := removeSetResponse{Deleted: result.Deleted, Outcomes: make([]removalOutcomePayload, 0, len(result.Outcomes))}
	for _, outcome := range result.Outcomes {
		payload := removalOutcomePayload{
			ProductID:   outcome.Criterion.ProductID,
			VariationID: outcome.Criterion.VariationID,
			Deleted:     outcome.Deleted,
		}
		if outcome.Err != nil {
			payload.Error = toHTTPError(outcome.Err).Code
		}
		resp.Outcomes = append(resp.Outcomes, payload)
	}
	status := http.StatusOK
	if result.Failed() {
		status = http.StatusMultiStatus
	}
	httpx.WriteJSON(w, status, resp)
}

func (req membershipRequest) toItems() []services.UpsertSetItem {
	items := make([]services.UpsertSetItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.UpsertSetItem{
			ProductID:   strings.TrimSpace(item.ProductID),
			VariationID: strings.TrimSpace(item.VariationID),
			Status:      strings.TrimSpace(item.Status),
		})
	}
	return items
}

// scopedHost resolves the host path parameter against the caller's identity.
func (h *AdminCatalogHandlers) scopedHost(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	identity, ok := auth.AdminIdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	requested := chi.URLParam(r, "hostID")
	hostID, err := identity.ScopeHost(requested)
	if err != nil {
		writeServiceError(ctx, w, err)
		return "", false
	}
	if hostID == "" {
		writeInvalidRequest(ctx, w, "host id is required")
		return "", false
	}
	return hostID, true
}

func adminCaller(ctx context.Context) string {
	identity, ok := auth.AdminIdentityFromContext(ctx)
	if !ok {
		return ""
	}
	return identity.Role + ":" + identity.UID
}
