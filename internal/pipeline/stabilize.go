package pipeline

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/kwelivote/biodid-go/internal/didkey"
)

// DefaultUserID is substituted when the caller supplies an empty or
// whitespace-only user identifier.
const DefaultUserID = "default-user"

// hkdfOutputBytes is the expansion length of the HKDF stabilizer. Twice the
// seed size keeps the seed-selection contract satisfiable on its own.
const hkdfOutputBytes = 2 * didkey.SeedSize

// Stabilizer turns a raw template and a user identifier into key material.
// Implementations must be deterministic and must place identity binding
// ahead of any other concern; stages 3-7 never see the inputs again.
type Stabilizer interface {
	Stabilize(template []byte, userID string) ([]byte, error)
}

// ResolveUserID trims the identifier and substitutes DefaultUserID for an
// empty result. Matching is case-sensitive beyond the trim.
func ResolveUserID(userID string) string {
	if trimmed := strings.TrimSpace(userID); trimmed != "" {
		return trimmed
	}
	return DefaultUserID
}

// Concat is the default stabilization policy: the template bytes followed by
// the UTF-8 salt of the resolved user identifier, in that order. It performs
// no noise tolerance; byte-differing scans of the same finger produce
// different key material. Upstream template canonicalization is assumed.
type Concat struct{}

// Stabilize concatenates template and salt. The salt comes after the
// template bytes; the ordering is part of the derivation contract.
func (Concat) Stabilize(template []byte, userID string) ([]byte, error) {
	salt := ResolveUserID(userID)
	buf := make([]byte, 0, len(template)+len(salt))
	buf = append(buf, template...)
	buf = append(buf, salt...)
	return buf, nil
}

// HKDF stabilizes through HKDF-SHA256 with the template as input keying
// material and the resolved user identifier as the info string. Unlike
// Concat, every output byte depends on the whole template and the identity,
// so identity binding holds for templates of any length. Switching policies
// changes every derived identifier; deployments pick one and keep it.
type HKDF struct{}

// Stabilize expands the template into fixed-length key material.
func (HKDF) Stabilize(template []byte, userID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, template, nil, []byte(ResolveUserID(userID)))
	out := make([]byte, hkdfOutputBytes)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StabilizerByName maps a configuration name to its implementation.
func StabilizerByName(name string) (Stabilizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "concat":
		return Concat{}, nil
	case "hkdf":
		return HKDF{}, nil
	default:
		return nil, fmt.Errorf("unknown stabilizer %q", name)
	}
}

// SelectSeed returns the first 32 bytes of the stabilized buffer as an owned
// copy. The caller is responsible for zeroing the copy when done.
func SelectSeed(stabilized []byte) ([]byte, error) {
	if len(stabilized) < didkey.SeedSize {
		return nil, newError(KindInsufficientMaterial,
			fmt.Sprintf("stabilized buffer is %d bytes, need at least %d", len(stabilized), didkey.SeedSize))
	}
	seed := make([]byte, didkey.SeedSize)
	copy(seed, stabilized)
	return seed, nil
}
