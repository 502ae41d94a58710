package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kwelivote/biodid-go/internal/pipeline"
)

// Derivation and session metrics. HTTP request metrics live in the logging
// middleware.
var (
	deriveCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biodid_derive_total",
			Help: "Total number of derivation attempts, by outcome and stabilizer.",
		},
		[]string{"outcome", "stabilizer"},
	)

	deriveStageFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biodid_derive_stage_failures_total",
			Help: "Total number of derivation failures, by pipeline stage and failure kind.",
		},
		[]string{"stage", "kind"},
	)

	sessionIssuanceCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biodid_sessions_issued_total",
			Help: "Total number of session tokens issued.",
		},
	)

	nonceIssuanceCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biodid_nonce_issuance_total",
			Help: "Total number of session challenges issued.",
		},
	)

	nonceValidationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biodid_nonce_validation_total",
			Help: "Total number of challenge validations, by result.",
		},
		[]string{"result"}, // ok, unknown, did_mismatch, bad_signature
	)
)

// incrementDerive increments the derivation counter
func incrementDerive(outcome, stabilizer string) {
	deriveCount.WithLabelValues(outcome, stabilizer).Inc()
}

// incrementDeriveStageFailure increments the stage failure counter
func incrementDeriveStageFailure(stage, kind string) {
	deriveStageFailureCount.WithLabelValues(stage, kind).Inc()
}

// incrementSessionIssuance increments the session issuance counter
func incrementSessionIssuance() {
	sessionIssuanceCount.Inc()
}

// incrementNonceIssuance increments the challenge issuance counter
func incrementNonceIssuance() {
	nonceIssuanceCount.Inc()
}

// incrementNonceValidation increments the challenge validation counter
func incrementNonceValidation(result string) {
	nonceValidationCount.WithLabelValues(result).Inc()
}

// observeStage receives one event per executed pipeline stage. Events carry
// no template bytes, seeds, keys, or user identifiers.
func (h *Handler) observeStage(ev pipeline.Event) {
	if ev.Err == nil {
		return
	}
	kind, ok := pipeline.KindOf(ev.Err)
	if !ok {
		kind = "internal"
	}
	incrementDeriveStageFailure(string(ev.Stage), string(kind))
	h.logger.Debug("derivation stage failed",
		"stage", string(ev.Stage),
		"kind", string(kind),
		"duration_ms", ev.Duration.Milliseconds(),
	)
}
