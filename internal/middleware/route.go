package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// routePattern returns chi's matched pattern, e.g. "/payments/{id}", or the
// raw path when no route matched.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
