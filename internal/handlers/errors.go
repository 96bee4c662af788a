package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/catalogsync/api/internal/platform/auth"
	"github.com/catalogsync/api/internal/platform/httpx"
	"github.com/catalogsync/api/internal/platform/pagination"
	"github.com/catalogsync/api/internal/repositories"
	"github.com/catalogsync/api/internal/services"
)

// writeServiceError maps service and repository errors onto the JSON error envelope. Messages of
// unexpected errors are not echoed to callers.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, toHTTPError(err))
}

func toHTTPError(err error) httpx.Error {
	var validation *services.ValidationError
	if errors.As(err, &validation) {
		e := httpx.NewError("invalid_request", validation.Error(), http.StatusBadRequest)
		if len(validation.Fields) > 0 {
			e = e.WithDetails(map[string]any{"fields": validation.Fields})
		}
		return e
	}

	var notFound *services.SaleEventNotFoundError
	var repoErr repositories.RepositoryError
	switch {
	case errors.As(err, &notFound):
		return httpx.NewError("sale_event_not_found", "sale event not found", http.StatusNotFound).
			WithDetails(map[string]any{"saleEventId": notFound.SaleEventID})
	case errors.Is(err, services.ErrUpstreamFetch):
		return httpx.NewError("upstream_unavailable", "catalog API request failed", http.StatusBadGateway)
	case errors.Is(err, pagination.ErrInvalidParams):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, auth.ErrHostScope):
		return httpx.NewError("forbidden", "host may only manage its own sale events", http.StatusForbidden)
	case errors.Is(err, context.DeadlineExceeded):
		return httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout)
	case errors.As(err, &repoErr) && repoErr.IsUnavailable():
		return httpx.NewError("store_unavailable", "catalog store unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &repoErr) && repoErr.IsNotFound():
		return httpx.NewError("not_found", "resource not found", http.StatusNotFound)
	default:
		return httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError)
	}
}

func writeInvalidRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

func paginationError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(r.Context(), w, err)
}
