package handlers

import (
	"errors"
	"net/http"
	"testing"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/services"
)

func newAdminRouter(catalog services.CatalogReadService, reconciler services.BulkReconciler) http.Handler {
	h := NewAdminCatalogHandlers(newTestAdminAuthenticator(), catalog, reconciler)
	return NewRouter(WithAdminRoutes(h.Routes))
}

const adminBase = "/api/v1/admin/hosts/h1/sale-events/se1/products"

func TestAdminRoutesRequireAuthentication(t *testing.T) {
	router := newAdminRouter(&stubCatalogReadService{}, &stubBulkReconciler{})
	if rec := serve(t, router, http.MethodGet, adminBase, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := serve(t, router, http.MethodGet, adminBase, "bogus", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestAdminHostScope(t *testing.T) {
	catalog := &stubCatalogReadService{}
	router := newAdminRouter(catalog, &stubBulkReconciler{})

	rec := serve(t, router, http.MethodGet, "/api/v1/admin/hosts/h2/sale-events/se1/products", "host-h1", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign host, got %d", rec.Code)
	}

	rec = serve(t, router, http.MethodGet, "/api/v1/admin/hosts/h2/sale-events/se1/products", "operator", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected operator to reach any host, got %d: %s", rec.Code, rec.Body.String())
	}
	if catalog.adminFilter.HostID != "h2" {
		t.Fatalf("expected host h2, got %q", catalog.adminFilter.HostID)
	}
}

func TestAdminListProductsFilters(t *testing.T) {
	catalog := &stubCatalogReadService{adminPage: domain.Page[services.AdminCatalogDocument]{
		Items: []services.AdminCatalogDocument{{ID: "doc-1", ProductID: "p1", Host: "h1", SaleEvent: "se1", Status: "hidden"}},
		Total: 1,
	}}
	router := newAdminRouter(catalog, &stubBulkReconciler{})

	rec := serve(t, router, http.MethodGet, adminBase+"?status=hidden&productId=p1&includeDeleted=true", "host-h1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	filter := catalog.adminFilter
	if filter.SaleEventID != "se1" || filter.HostID != "h1" || filter.Status != "hidden" || filter.ProductID != "p1" || !filter.IncludeDeleted {
		t.Fatalf("unexpected filter %+v", filter)
	}
	items := decodeBody(t, rec)["items"].([]any)
	if item := items[0].(map[string]any); item["host"] != "h1" || item["deletedAt"] != nil {
		t.Fatalf("unexpected item %v", item)
	}

	rec = serve(t, router, http.MethodGet, adminBase+"?includeDeleted=maybe", "host-h1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad includeDeleted, got %d", rec.Code)
	}
}

func TestAdminUpsertSet(t *testing.T) {
	reconciler := &stubBulkReconciler{upserted: []services.AdminCatalogDocument{{ID: "doc-1", ProductID: "p1", VariationID: "v1", Status: "active"}}}
	router := newAdminRouter(&stubCatalogReadService{}, reconciler)

	rec := serve(t, router, http.MethodPost, adminBase, "host-h1", `{"items":[{"productId":" p1 ","variationId":"v1","status":"active"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cmd := reconciler.upsertCmd
	if cmd.SaleEventID != "se1" || cmd.HostID != "h1" || len(cmd.Items) != 1 || cmd.Items[0].ProductID != "p1" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if items := decodeBody(t, rec)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestAdminUpsertSetRejectsMalformedBody(t *testing.T) {
	router := newAdminRouter(&stubCatalogReadService{}, &stubBulkReconciler{})
	rec := serve(t, router, http.MethodPost, adminBase, "host-h1", `{"items":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdminUpsertSetUnknownSaleEvent(t *testing.T) {
	reconciler := &stubBulkReconciler{err: &services.SaleEventNotFoundError{SaleEventID: "se1", HostID: "h1"}}
	router := newAdminRouter(&stubCatalogReadService{}, reconciler)
	rec := serve(t, router, http.MethodPost, adminBase, "host-h1", `{"items":[{"productId":"p1"}]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "sale_event_not_found" || body["saleEventId"] != "se1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAdminReplaceSet(t *testing.T) {
	reconciler := &stubBulkReconciler{replaceResult: services.ReplaceSetResult{
		Documents: []services.AdminCatalogDocument{{ID: "doc-1", ProductID: "p1"}},
		Removed:   3,
	}}
	router := newAdminRouter(&stubCatalogReadService{}, reconciler)
	rec := serve(t, router, http.MethodPut, adminBase, "operator", `{"items":[{"productId":"p1"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["removed"] != float64(3) {
		t.Fatalf("expected removed 3, got %v", body["removed"])
	}
	if reconciler.replaceCmd.HostID != "h1" {
		t.Fatalf("expected host h1, got %q", reconciler.replaceCmd.HostID)
	}
}

func TestAdminRemoveSet(t *testing.T) {
	reconciler := &stubBulkReconciler{removeResult: services.RemoveSetResult{
		Deleted: 2,
		Outcomes: []services.RemovalOutcome{
			{Criterion: services.RemovalCriterion{ProductID: "p1"}, Deleted: 2},
		},
	}}
	router := newAdminRouter(&stubCatalogReadService{}, reconciler)
	rec := serve(t, router, http.MethodPost, adminBase+":remove", "host-h1", `{"criteria":[{"productId":"p1"},{"productId":42,"variationId":"v9"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	criteria := reconciler.removeCmd.Criteria
	if len(criteria) != 2 || criteria[0].ProductID != "p1" || criteria[1].ProductID != "42" || criteria[1].VariationID != "v9" {
		t.Fatalf("unexpected criteria %+v", criteria)
	}
	if body := decodeBody(t, rec); body["deleted"] != float64(2) {
		t.Fatalf("expected deleted 2, got %v", body["deleted"])
	}
}

func TestAdminRemoveSetPartialFailure(t *testing.T) {
	reconciler := &stubBulkReconciler{removeResult: services.RemoveSetResult{
		Deleted: 1,
		Outcomes: []services.RemovalOutcome{
			{Criterion: services.RemovalCriterion{ProductID: "p1"}, Deleted: 1},
			{Criterion: services.RemovalCriterion{ProductID: "p2"}, Err: errors.New("write failed")},
		},
	}}
	router := newAdminRouter(&stubCatalogReadService{}, reconciler)
	rec := serve(t, router, http.MethodPost, adminBase+":remove", "host-h1", `{"criteria":[{"productId":"p1"},{"productId":"p2"}]}`)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d", rec.Code)
	}
	outcomes := decodeBody(t, rec)["outcomes"].([]any)
	failed := outcomes[1].(map[string]any)
	if failed["productId"] != "p2" || failed["error"] != "internal_error" {
		t.Fatalf("unexpected outcome %v", failed)
	}
}

func TestAdminMutationGuardRunsAfterAuthentication(t *testing.T) {
	var seen []string
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, CallerID(r.Context()))
			next.ServeHTTP(w, r)
		})
	}
	h := NewAdminCatalogHandlers(newTestAdminAuthenticator(), &stubCatalogReadService{}, &stubBulkReconciler{}).WithMutationGuard(guard)
	router := NewRouter(WithAdminRoutes(h.Routes))

	rec := serve(t, router, http.MethodPost, adminBase, "host-h1", `{"items":[{"productId":"p1"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(seen) != 1 || seen[0] != "host:host-1" {
		t.Fatalf("expected guard to see host caller, got %v", seen)
	}
	serve(t, router, http.MethodPost, adminBase, "", `{}`)
	if len(seen) != 1 {
		t.Fatalf("expected guard not to run for unauthenticated requests")
	}
}
