package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/catalogsync/api/internal/platform/auth"
	"github.com/catalogsync/api/internal/platform/httpx"
	"github.com/catalogsync/api/internal/platform/observability"
	"github.com/catalogsync/api/internal/services"
)

// InternalSyncHandlers lets schedulers and operators trigger product syncs.
type InternalSyncHandlers struct {
	synchronizer services.ProductSynchronizer
	tokens       services.AccessTokenSource
	dispatcher   services.SyncDispatcher
}

// NewInternalSyncHandlers constructs internal sync handlers. A nil dispatcher disables the batch route.
func NewInternalSyncHandlers(synchronizer services.ProductSynchronizer, tokens services.AccessTokenSource, dispatcher services.SyncDispatcher) *InternalSyncHandlers {
	return &InternalSyncHandlers{synchronizer: synchronizer, tokens: tokens, dispatcher: dispatcher}
}

// Routes registers the internal endpoints. Authentication is applied by the router group.
func (h *InternalSyncHandlers) Routes(r chi.Router) {
	r.Use(observability.AnnotateCaller(serviceCaller))
	r.Post("/sync/products/{productID}", h.syncProduct)
	r.Post("/sync/products", h.queueProducts)
}

type syncResultResponse struct {
	ProductID string `json:"productId"`
	Removed   bool   `json:"removed"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	Unchanged int    `json:"unchanged"`
	Unmatched int    `json:"unmatched"`
}

type queueRequest struct {
	ProductIDs []string `json:"productIds"`
}

type queuedJobPayload struct {
	JobID     string `json:"jobId"`
	ProductID string `json:"productId"`
	MessageID string `json:"messageId,omitempty"`
	QueuedAt  string `json:"queuedAt"`
}

type queueResponse struct {
	Jobs []queuedJobPayload `json:"jobs"`
}

func (h *InternalSyncHandlers) syncProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.synchronizer == nil || h.tokens == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "synchronizer unavailable", http.StatusServiceUnavailable))
		return
	}
	token, err := h.tokens.AccessToken(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "catalog API credentials unavailable", http.StatusServiceUnavailable))
		return
	}

	result, err := h.synchronizer.Execute(ctx, services.SyncCommand{
		ProductID:   strings.TrimSpace(chi.URLParam(r, "productID")),
		AccessToken: token,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, syncResultResponse{
		ProductID: result.ProductID,
		Removed:   result.Removed,
		Updated:   result.Updated,
		Deleted:   result.Deleted,
		Unchanged: result.Unchanged,
		Unmatched: result.Unmatched,
	})
}

func (h *InternalSyncHandlers) queueProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.dispatcher == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sync queue not configured", http.StatusServiceUnavailable))
		return
	}
	var req queueRequest
	if err := httpx.DecodeJSON(r, &req, 0); err != nil {
		writeInvalidRequest(ctx, w, err.Error())
		return
	}
	queue(ctx, w, h.dispatcher, req.ProductIDs, services.SyncSourceInternal)
}

// queue publishes sync requests and answers 202. A partial publish failure still reports the jobs that
// were queued.
func queue(ctx context.Context, w http.ResponseWriter, dispatcher services.SyncDispatcher, productIDs []string, source string) {
	result, err := dispatcher.QueueProductSync(ctx, services.QueueProductSyncCommand{ProductIDs: productIDs, Source: source})
	if err != nil && len(result.Jobs) == 0 {
		writeServiceError(ctx, w, err)
		return
	}
	resp := queueResponse{Jobs: make([]queuedJobPayload, 0, len(result.Jobs))}
	for _, job := range result.Jobs {
		resp.Jobs = append(resp.Jobs, queuedJobPayload{
			JobID:     job.JobID,
			ProductID: job.ProductID,
			MessageID: job.MessageID,
			QueuedAt:  formatTime(job.QueuedAt),
		})
	}
	status := http.StatusAccepted
	if err != nil {
		status = http.StatusMultiStatus
	}
	httpx.WriteJSON(w, status, resp)
}

func serviceCaller(ctx context.Context) string {
	caller, ok := auth.ServiceCallerFromContext(ctx)
	if !ok {
		return ""
	}
	if caller.Email != "" {
		return caller.Email
	}
	return caller.Subject
}

// CallerID identifies the authenticated admin or service caller in ctx, or "" when there is none.
func CallerID(ctx context.Context) string {
	if id := adminCaller(ctx); id != "" {
		return id
	}
	if id := serviceCaller(ctx); id != "" {
		return "service:" + id
	}
	return ""
}
