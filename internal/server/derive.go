package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kwelivote/biodid-go/internal/didkey"
	"github.com/kwelivote/biodid-go/internal/model"
	"github.com/kwelivote/biodid-go/internal/pipeline"
	"github.com/kwelivote/biodid-go/internal/storage"
)

type deriveRequest struct {
	ISOTemplateBase64 string `json:"iso_template_base64"`
	UserID            string `json:"user_id"`
}

type enrollRequest struct {
	ISOTemplateBase64 string `json:"iso_template_base64"`
	UserID            string `json:"user_id"`
	Role              string `json:"role"`
}

type verifyRequest struct {
	ISOTemplateBase64 string `json:"iso_template_base64"`
	UserID            string `json:"user_id"`
	DID               string `json:"did"`
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	DID      string `json:"did"`
}

// deriveHandler runs the derivation pipeline and returns the key triple.
// Nothing is stored; the response is the only copy of the private key.
func (h *Handler) deriveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
		return
	}
	var req deriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}
	result, ok := h.runPipeline(w, r, req.ISOTemplateBase64, req.UserID)
	if !ok {
		return
	}
	h.writeSuccess(w, r, http.StatusOK, result)
}

// enrollHandler derives an identity and persists it. The response never
// includes the private key; holders recover it by re-deriving from their
// template.
func (h *Handler) enrollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
		return
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleVoter
	}
	if !model.ValidRole(role) {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "role must be voter or keyperson")
		return
	}

	result, ok := h.runPipeline(w, r, req.ISOTemplateBase64, req.UserID)
	if !ok {
		return
	}

	ctx := r.Context()
	subject := model.SubjectDigest(h.cfg.SubjectPepper, pipeline.ResolveUserID(req.UserID))

	existing, err := h.store.GetIdentityBySubject(ctx, subject)
	switch {
	case err == nil:
		if existing.DID == result.DID {
			h.writeSuccess(w, r, http.StatusOK, existing)
			return
		}
		h.writeError(w, r, http.StatusConflict, codeSubjectDIDMismatch,
			"subject is already enrolled under a different DID")
		return
	case !errors.Is(err, storage.ErrNotFound):
		h.logger.Error("subject lookup failed", "error", err, "correlation_id", correlationIDFrom(ctx))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	if _, err := h.store.GetIdentity(ctx, result.DID); err == nil {
		h.writeError(w, r, http.StatusConflict, codeDIDTaken,
			"DID is already enrolled by another subject")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error("identity lookup failed", "error", err, "correlation_id", correlationIDFrom(ctx))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	now := h.clock().Format(time.RFC3339)
	identity := model.Identity{
		DID:                result.DID,
		PublicKeyHex:       result.PublicKeyHex,
		PublicKeyMultibase: strings.TrimPrefix(result.DID, didkey.Prefix),
		SubjectDigest:      subject,
		Role:               role,
		Stabilizer:         h.cfg.Stabilizer,
		Document:           model.NewDIDDocument(result.DID),
		CreatedAtUTC:       now,
		UpdatedAtUTC:       now,
	}
	if err := h.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			h.writeError(w, r, http.StatusConflict, codeConflict, "identity was enrolled concurrently")
			return
		}
		h.logger.Error("identity create failed", "error", err, "correlation_id", correlationIDFrom(ctx))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	h.appendOperation(ctx, identity.DID, model.OperationEnroll, model.OutcomeSuccess)
	h.logger.Info("identity enrolled",
		"did", identity.DID,
		"role", identity.Role,
		"subject", subject,
		"correlation_id", correlationIDFrom(ctx))
	h.writeSuccess(w, r, http.StatusCreated, identity)
}

// verifyHandler re-derives from a presented template and compares against the
// stored identity, located by DID when given, else by subject.
func (h *Handler) verifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	result, ok := h.runPipeline(w, r, req.ISOTemplateBase64, req.UserID)
	if !ok {
		return
	}

	ctx := r.Context()
	var identity model.Identity
	var err error
	if req.DID != "" {
		identity, err = h.store.GetIdentity(ctx, req.DID)
	} else {
		subject := model.SubjectDigest(h.cfg.SubjectPepper, pipeline.ResolveUserID(req.UserID))
		identity, err = h.store.GetIdentityBySubject(ctx, subject)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, codeNotFound, "identity not found")
			return
		}
		h.logger.Error("identity lookup failed", "error", err, "correlation_id", correlationIDFrom(ctx))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	verified := identity.DID == result.DID && identity.PublicKeyHex == result.PublicKeyHex
	outcome := model.OutcomeSuccess
	if !verified {
		outcome = model.OutcomeMismatch
	}
	h.appendOperation(ctx, identity.DID, model.OperationVerify, outcome)
	h.writeSuccess(w, r, http.StatusOK, verifyResponse{Verified: verified, DID: identity.DID})
}

// runPipeline executes the derivation, records the outcome metric, and maps
// failures onto the error envelope. Returns false when a response has already
// been written.
func (h *Handler) runPipeline(w http.ResponseWriter, r *http.Request, templateB64, userID string) (pipeline.Result, bool) {
	container := &pipeline.Container{ISOTemplateBase64: templateB64}
	result, err := h.pipe.Run(container, userID)
	if err != nil {
		incrementDerive("failure", h.cfg.Stabilizer)
		if kind, ok := pipeline.KindOf(err); ok {
			h.writeError(w, r, kindStatus(kind), kindCode(kind), err.Error())
			return pipeline.Result{}, false
		}
		h.logger.Error("derivation failed", "error", err, "correlation_id", correlationIDFrom(r.Context()))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return pipeline.Result{}, false
	}
	incrementDerive("success", h.cfg.Stabilizer)
	return result, true
}

// appendOperation records an audit entry. Append failures are logged and do
// not fail the request that produced them.
func (h *Handler) appendOperation(ctx context.Context, did, opType, outcome string) {
	op := model.Operation{
		ID:            uuid.NewString(),
		DID:           did,
		Type:          opType,
		Outcome:       outcome,
		CorrelationID: correlationIDFrom(ctx),
		PerformedAt:   h.clock().Format(time.RFC3339),
	}
	op.ContentHash = op.ContentDigest()
	if err := h.store.AppendOperation(ctx, op); err != nil {
		h.logger.Warn("operation append failed", "error", err, "did", did, "type", opType)
	}
}

// kindStatus maps a derivation failure kind onto an HTTP status. Intake
// faults are 400s; material faults are well-formed but unprocessable.
func kindStatus(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindInsufficientMaterial, pipeline.KindInvalidSeed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// kindCode maps a derivation failure kind onto its stable API error code.
func kindCode(kind pipeline.Kind) string {
	switch kind {
	case pipeline.KindInvalidTemplate:
		return "ERR_INVALID_TEMPLATE"
	case pipeline.KindMissingIsoTemplate:
		return "ERR_MISSING_ISO_TEMPLATE"
	case pipeline.KindBase64Decode:
		return "ERR_BASE64_DECODE"
	case pipeline.KindCorruptTemplate:
		return "ERR_CORRUPT_TEMPLATE"
	case pipeline.KindInsufficientMaterial:
		return "ERR_INSUFFICIENT_MATERIAL"
	case pipeline.KindInvalidSeed:
		return "ERR_INVALID_SEED"
	default:
		return codeInternal
	}
}
