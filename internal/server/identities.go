package server

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kwelivote/biodid-go/internal/storage"
)

// identitiesHandler serves the read-only identity surface:
//
//	GET /v1/identities/{did}            stored identity, public fields
//	GET /v1/identities/{did}/document   the DID document
//	GET /v1/identities/{did}/operations audit trail, newest first
func (h *Handler) identitiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
	parts := strings.SplitN(rest, "/", 2)
	did := parts[0]
	if did == "" {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "missing DID")
		return
	}

	ctx := r.Context()
	identity, err := h.store.GetIdentity(ctx, did)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, codeNotFound, "identity not found")
			return
		}
		h.logger.Error("identity lookup failed", "error", err, "correlation_id", correlationIDFrom(ctx))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	if len(parts) == 1 || parts[1] == "" {
		h.writeCacheable(w, r, identity)
		return
	}
	switch parts[1] {
	case "document":
		h.writeCacheable(w, r, identity.Document)
	case "operations":
		ops, err := h.store.ListOperations(ctx, did)
		if err != nil {
			h.logger.Error("operations lookup failed", "error", err, "correlation_id", correlationIDFrom(ctx))
			h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
			return
		}
		h.writeSuccess(w, r, http.StatusOK, ops)
	default:
		h.writeError(w, r, http.StatusNotFound, codeNotFound, "unknown resource")
	}
}

// writeCacheable emits a success envelope with a weak ETag so identity and
// document reads can be revalidated without a body transfer.
func (h *Handler) writeCacheable(w http.ResponseWriter, r *http.Request, data any) {
	body := mustJSON(responseEnvelope{Data: data})
	sum := sha256.Sum256(body)
	etag := fmt.Sprintf(`W/"%x"`, sum[:8])
	w.Header().Set(headerETag, etag)
	w.Header().Set(headerCacheControl, "public, max-age=60")
	if r.Header.Get(headerIfNoneMatch) == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
