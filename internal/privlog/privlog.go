// Package privlog keeps personal identifiers and key material out of logs.
// It wraps a slog.Handler so that identifier attributes are replaced by a
// keyed fingerprint and secret-bearing attributes are redacted before any
// record reaches the sink. Fingerprints are keyed by a per-process nonce:
// stable within one run for correlation, unlinkable across restarts.
package privlog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Attributes naming a person; logged only as fingerprints.
	fingerprintKeys = map[string]struct{}{
		"user_id":     {},
		"national_id": {},
		"subject":     {},
	}

	// Attribute-name fragments that mark secret material.
	secretKeyParts = []string{
		"template", "seed", "private_key", "secret",
		"passphrase", "password", "token", "authorization",
	}
)

// Handler filters attributes before delegating to the wrapped handler.
type Handler struct {
	next slog.Handler
}

// Wrap returns a privacy-filtering handler in front of next.
func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(sanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, sanitizeAttr(attr))
	}
	return &Handler{next: h.next.WithAttrs(out)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// Fingerprint renders a personal identifier as a short keyed digest suitable
// for log correlation. Empty input stays empty.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(attr.Key))
	if isSecretKey(key) {
		return slog.String(attr.Key, redacted)
	}
	if _, ok := fingerprintKeys[key]; ok {
		return slog.String(attr.Key+"_fp", Fingerprint(attr.Value.String()))
	}
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		out := make([]slog.Attr, 0, len(members))
		for _, member := range members {
			out = append(out, sanitizeAttr(member))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(out...)}
	}
	return attr
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
