package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/catalogsync/api/internal/platform/httpx"
	"github.com/catalogsync/api/internal/platform/observability"
	"github.com/catalogsync/api/internal/services"
)

const maxWebhookBody = 256 * 1024

// Catalog webhook events that trigger a sync. Others are acknowledged and ignored.
var syncWebhookEvents = map[string]struct{}{
	"product.created": {},
	"product.updated": {},
	"product.deleted": {},
}

// CatalogWebhookHandlers receives product change notifications from the upstream catalog.
type CatalogWebhookHandlers struct {
	dispatcher services.SyncDispatcher
}

// NewCatalogWebhookHandlers constructs webhook handlers.
func NewCatalogWebhookHandlers(dispatcher services.SyncDispatcher) *CatalogWebhookHandlers {
	return &CatalogWebhookHandlers{dispatcher: dispatcher}
}

// Routes registers webhook endpoints. Signature verification is applied by the router group.
func (h *CatalogWebhookHandlers) Routes(r chi.Router) {
	r.Use(observability.AnnotateCaller(func(context.Context) string { return "catalog-webhook" }))
	r.Post("/catalog/products", h.productEvent)
}

type productWebhookRequest struct {
	Event      string   `json:"event"`
	ProductID  string   `json:"productId"`
	ProductIDs []string `json:"productIds"`
}

func (h *CatalogWebhookHandlers) productEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.dispatcher == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sync queue not configured", http.StatusServiceUnavailable))
		return
	}
	var req productWebhookRequest
	if err := httpx.DecodeJSON(r, &req, maxWebhookBody); err != nil {
		writeInvalidRequest(ctx, w, err.Error())
		return
	}

	event := strings.ToLower(strings.TrimSpace(req.Event))
	if _, ok := syncWebhookEvents[event]; !ok {
		observability.FromContext(ctx).Debug("catalog webhook ignored")
		httpx.WriteJSON(w, http.StatusAccepted, queueResponse{Jobs: []queuedJobPayload{}})
		return
	}

	ids := req.ProductIDs
	if id := strings.TrimSpace(req.ProductID); id != "" {
		ids = append([]string{id}, ids...)
	}
	queue(ctx, w, h.dispatcher, ids, services.SyncSourceWebhook)
}
