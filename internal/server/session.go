package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kwelivote/biodid-go/internal/didkey"
	"github.com/kwelivote/biodid-go/internal/model"
	"github.com/kwelivote/biodid-go/internal/storage"
)

// nonceBytes is the entropy of a session challenge.
const nonceBytes = 32

type challengeRequest struct {
	DID string `json:"did"`
}

type tokenRequest struct {
	DID       string `json:"did"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// sessionChallengeHandler issues a single-use nonce bound to a DID. The
// caller proves control of the DID by signing the nonce back on the token
// route.
func (h *Handler) sessionChallengeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
		return
	}
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}
	if req.DID == "" {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "did is required")
		return
	}
	if _, err := didkey.Parse(req.DID); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "did must be a did:key Ed25519 identifier")
		return
	}

	nonce, err := generateNonce()
	if err != nil {
		h.logger.Error("nonce generation failed", "error", err, "correlation_id", correlationIDFrom(r.Context()))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	challenge := model.SessionChallenge{
		Value:     nonce,
		DID:       req.DID,
		Audience:  h.cfg.JWTAudience,
		ExpiresAt: h.clock().Add(h.cfg.NonceTTL),
	}
	if err := h.store.PutChallenge(r.Context(), challenge); err != nil {
		h.logger.Error("challenge store failed", "error", err, "correlation_id", correlationIDFrom(r.Context()))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	incrementNonceIssuance()
	h.writeSuccess(w, r, http.StatusOK, challenge)
}

// sessionTokenHandler exchanges a signed challenge for an EdDSA session
// token. The signature covers nonce + "|" + audience so a nonce captured for
// one audience cannot be replayed against another.
func (h *Handler) sessionTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}
	if req.DID == "" || req.Nonce == "" || req.Signature == "" {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "did, nonce, and signature are required")
		return
	}

	ctx := r.Context()
	challenge, err := h.store.ConsumeChallenge(ctx, req.Nonce)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			incrementNonceValidation("unknown")
			h.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "unknown, expired, or already used nonce")
			return
		}
		h.logger.Error("challenge consume failed", "error", err, "correlation_id", correlationIDFrom(ctx))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if challenge.DID != req.DID {
		incrementNonceValidation("did_mismatch")
		h.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "nonce was issued for a different DID")
		return
	}

	pub, err := didkey.Parse(req.DID)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "did must be a did:key Ed25519 identifier")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeValidation, "signature must be standard base64")
		return
	}
	message := []byte(challenge.Value + "|" + challenge.Audience)
	if !ed25519.Verify(pub, message, sig) {
		incrementNonceValidation("bad_signature")
		h.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "signature does not verify against the DID key")
		return
	}
	incrementNonceValidation("ok")

	now := h.clock()
	expiresAt := now.Add(h.cfg.SessionTTL)
	claims := jwt.MapClaims{
		"iss": h.cfg.JWTIssuer,
		"sub": req.DID,
		"aud": challenge.Audience,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = h.signingKeyID
	signed, err := token.SignedString(h.signer)
	if err != nil {
		h.logger.Error("token signing failed", "error", err, "correlation_id", correlationIDFrom(ctx))
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	incrementSessionIssuance()
	h.appendOperation(ctx, req.DID, model.OperationSession, model.OutcomeSuccess)
	h.logger.Info("session issued", "did", req.DID, "correlation_id", correlationIDFrom(ctx))
	h.writeSuccess(w, r, http.StatusOK, tokenResponse{
		Token:     signed,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

// sessionVerifyHandler validates a bearer session token and returns its
// claims.
func (h *Handler) sessionVerifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
		return
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		h.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
		return
	}
	claims, err := h.validator.ValidateToken(r.Context(), strings.TrimPrefix(auth, prefix))
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid token")
		return
	}
	h.writeSuccess(w, r, http.StatusOK, claims)
}

// generateNonce returns a fresh URL-safe random value.
func generateNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
