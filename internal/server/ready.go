package server

import (
	"context"
	"net/http"
	"time"

	"github.com/kwelivote/biodid-go/internal/storage"
)

// healthzHandler reports process liveness.
func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// readyzHandler reports readiness to serve traffic. Stores backed by an
// external system are pinged; the in-memory store is always ready.
func (h *Handler) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if pinger, ok := h.store.(storage.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			w.Header().Set(headerContentType, contentTypeJSON)
			h.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "storage not ready")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
