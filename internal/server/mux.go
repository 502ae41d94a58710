// Package server contains HTTP handlers and middleware for the enrollment
// service.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwelivote/biodid-go/internal/config"
	"github.com/kwelivote/biodid-go/internal/model"
	"github.com/kwelivote/biodid-go/internal/pipeline"
	"github.com/kwelivote/biodid-go/internal/privlog"
	"github.com/kwelivote/biodid-go/internal/storage"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"

	headerContentType       = "Content-Type"
	headerCorrelationID     = "X-Correlation-Id"
	headerIdempotencyKey    = "Idempotency-Key"
	headerIdempotencyReplay = "Idempotency-Replay"
	headerCacheControl      = "Cache-Control"
	headerETag              = "ETag"
	headerIfNoneMatch       = "If-None-Match"

	contentTypeJSON = "application/json"

	// idempotencyTTL bounds how long a stored enrollment response is
	// replayable.
	idempotencyTTL = 24 * time.Hour
)

// Stable machine codes carried in the error envelope. Pipeline failure kinds
// map onto their own codes in kindCode.
const (
	codeValidation         = "ERR_VALIDATION"
	codeNotFound           = "ERR_NOT_FOUND"
	codeSubjectDIDMismatch = "ERR_SUBJECT_DID_MISMATCH"
	codeDIDTaken           = "ERR_DID_TAKEN"
	codeUnauthorized       = "ERR_UNAUTHORIZED"
	codeConflict           = "ERR_CONFLICT"
	codeRateLimited        = "ERR_RATE_LIMITED"
	codeInternal           = "ERR_INTERNAL"
	codeUnavailable        = "ERR_UNAVAILABLE"
)

// Handler wires HTTP endpoints using net/http.
type Handler struct {
	cfg          config.Config
	store        storage.Store
	logger       *slog.Logger
	pipe         pipeline.Pipeline
	validator    *JWTValidator
	signer       ed25519.PrivateKey
	signingKeyID string
	clock        func() time.Time
	limits       *clientLimiter
	router       *http.ServeMux
}

// New creates a Handler using the supplied dependencies. It validates the
// configured stabilization policy and bootstraps the service signing key
// before any route is served.
func New(cfg config.Config, store storage.Store, logger *slog.Logger) (*Handler, error) {
	stabilizer, err := pipeline.StabilizerByName(cfg.Stabilizer)
	if err != nil {
		return nil, fmt.Errorf("configure stabilizer: %w", err)
	}
	cfg.Stabilizer = strings.ToLower(strings.TrimSpace(cfg.Stabilizer))
	if cfg.Stabilizer == "" {
		cfg.Stabilizer = "concat"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// The privacy wrapper is applied here so handlers can never log a clear
	// subject identifier, regardless of how the caller built the logger.
	logger = slog.New(privlog.Wrap(logger.Handler()))

	h := &Handler{
		cfg:    cfg,
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		limits: newClientLimiter(cfg.RateRPS, cfg.RateBurst),
	}
	h.pipe = pipeline.Pipeline{Stabilizer: stabilizer, Observer: h.observeStage}
	h.validator = NewJWTValidator(store, cfg.JWTIssuer, cfg.JWTAudience, h.clock)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	signer, keyID, err := ensureSigningKey(ctx, store, cfg.KeystorePassphrase, h.clock, h.logger)
	if err != nil {
		return nil, fmt.Errorf("signing key bootstrap: %w", err)
	}
	h.signer = signer
	h.signingKeyID = keyID

	h.routes()
	return h, nil
}

// Router returns the configured HTTP handler.
func (h *Handler) Router() http.Handler {
	return h.router
}

// routes registers all endpoints behind the middleware chain
// recovery -> logging+metrics -> correlation -> rate limit (mutating only) ->
// timeout -> CORS.
func (h *Handler) routes() {
	mux := http.NewServeMux()

	read := func(route string, fn http.HandlerFunc) http.Handler {
		return h.recoverMiddleware(h.loggingMiddleware(route,
			h.correlationMiddleware(h.timeoutMiddleware(h.corsMiddleware(h.wrap(fn))))))
	}
	mutate := func(route string, fn http.HandlerFunc) http.Handler {
		return h.recoverMiddleware(h.loggingMiddleware(route,
			h.correlationMiddleware(h.rateLimitMiddleware(h.timeoutMiddleware(h.corsMiddleware(h.wrap(fn)))))))
	}

	mux.Handle("/v1/derive", mutate("/v1/derive", h.deriveHandler))
	mux.Handle("/v1/enroll", mutate("/v1/enroll", h.enrollHandler))
	mux.Handle("/v1/verify", mutate("/v1/verify", h.verifyHandler))
	mux.Handle("/v1/identities/", read("/v1/identities/{did}", h.identitiesHandler))
	mux.Handle("/v1/session/challenge", mutate("/v1/session/challenge", h.sessionChallengeHandler))
	mux.Handle("/v1/session/token", mutate("/v1/session/token", h.sessionTokenHandler))
	mux.Handle("/v1/session/verify", read("/v1/session/verify", h.sessionVerifyHandler))
	mux.HandleFunc("/healthz", h.healthzHandler)
	mux.Handle("/readyz", h.recoverMiddleware(http.HandlerFunc(h.readyzHandler)))
	mux.Handle("/metrics", promhttp.Handler())

	h.router = mux
}

// correlationMiddleware assigns each request a correlation ID, carries it in
// the context, and echoes it on the response together with the JSON content
// type.
func (h *Handler) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(headerCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)

		w.Header().Set(headerContentType, contentTypeJSON)
		w.Header().Set(headerCorrelationID, correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// wrap finishes the chain for JSON endpoints: idempotent replay when a stored
// response exists, the handler otherwise.
func (h *Handler) wrap(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.tryReplay(w, r) {
			return
		}
		next(w, r)
	})
}

// correlationIDFrom extracts the correlation ID placed by the middleware.
func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// responseEnvelope is the uniform JSON wrapper for all API responses.
type responseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

// errorEnvelope carries a stable machine code alongside the human message.
type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// writeSuccess emits the success envelope and, on replayable routes, stores
// the response for future idempotent replays.
func (h *Handler) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	body := mustJSON(responseEnvelope{Data: data})
	if key := idempotencyKey(r); key != "" {
		h.remember(r.Context(), key, status, body)
	}
	w.WriteHeader(status)
	w.Write(body)
}

// writeError emits the error envelope with the request's correlation ID.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := mustJSON(responseEnvelope{Error: &errorEnvelope{
		Code:          code,
		Message:       message,
		CorrelationID: correlationIDFrom(r.Context()),
	}})
	w.WriteHeader(status)
	w.Write(body)
}

// idempotencyKey returns the caller's Idempotency-Key when the route supports
// replay. Only enrollment is replayable; derive responses carry private key
// material and must never be stored.
func idempotencyKey(r *http.Request) string {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/enroll" {
		return ""
	}
	return r.Header.Get(headerIdempotencyKey)
}

// tryReplay serves a previously stored response for a repeated idempotency
// key. Returns true when the request was answered from the cache.
func (h *Handler) tryReplay(w http.ResponseWriter, r *http.Request) bool {
	key := idempotencyKey(r)
	if key == "" {
		return false
	}
	record, ok := h.store.Recall(r.Context(), key)
	if !ok {
		return false
	}
	for k, v := range record.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(headerIdempotencyReplay, "true")
	w.WriteHeader(record.StatusCode)
	w.Write(record.Body)
	return true
}

// remember stores a response body for idempotent replay. Failures are logged
// and otherwise ignored; the original response still stands.
func (h *Handler) remember(ctx context.Context, key string, status int, body []byte) {
	record := model.IdempotencyRecord{
		StatusCode: status,
		Body:       body,
		Headers:    map[string]string{headerContentType: contentTypeJSON},
		ExpiresAt:  h.clock().Add(idempotencyTTL),
	}
	if err := h.store.Remember(ctx, key, record); err != nil {
		h.logger.Warn("idempotency remember failed", "error", err, "key", key)
	}
}

// mustJSON marshals v, panicking on failure. Envelope types marshal
// unconditionally; a failure is a programming error.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
