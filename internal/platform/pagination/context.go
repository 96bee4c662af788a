package pagination

import (
	"context"
	"net/http"
)

type paramsKey struct{}

// WithParams stores parsed params on ctx.
func WithParams(ctx context.Context, params Params) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

// FromContext returns params stored by Middleware.
func FromContext(ctx context.Context) (Params, bool) {
	params, ok := ctx.Value(paramsKey{}).(Params)
	return params, ok
}

// Middleware parses pagination for listing routes and calls onError for malformed input.
func Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params, err := FromRequest(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParams(r.Context(), params)))
		})
	}
}
