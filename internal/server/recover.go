package server

import (
	"context"
	"net/http"
	"runtime/debug"
)

// recoverMiddleware converts handler panics into 500 responses so one bad
// request cannot take the process down.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			h.logger.Error("handler panic",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			// The correlation ID is attached to the request context deeper in
			// the chain; recover it from the response header already set there.
			if cid := w.Header().Get(headerCorrelationID); cid != "" {
				r = r.WithContext(context.WithValue(r.Context(), contextKeyCorrelationID, cid))
			}
			w.Header().Set(headerContentType, contentTypeJSON)
			h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}
