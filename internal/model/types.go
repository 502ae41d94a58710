// Package model defines the service-facing types persisted and exchanged by
// the enrollment service: identities, DID documents, audit operations,
// session challenges, and signing keys.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/kwelivote/biodid-go/internal/didkey"
)

// Roles an enrolled identity can hold.
const (
	RoleVoter     = "voter"
	RoleKeyperson = "keyperson"
)

// ValidRole reports whether role is one of the enrollment roles.
func ValidRole(role string) bool {
	return role == RoleVoter || role == RoleKeyperson
}

// Identity is an enrolled subject keyed by its derived DID. The clear
// national ID is never stored; SubjectDigest carries its keyed hash and is
// excluded from API responses.
type Identity struct {
	DID                string      `json:"did"`
	PublicKeyHex       string      `json:"publicKeyHex"`
	PublicKeyMultibase string      `json:"publicKeyMultibase"`
	SubjectDigest      string      `json:"-"`
	Role               string      `json:"role"`
	Stabilizer         string      `json:"stabilizer"`
	Document           DIDDocument `json:"document"`
	CreatedAtUTC       string      `json:"createdAtUtc"`
	UpdatedAtUTC       string      `json:"updatedAtUtc"`
}

// DIDDocument is the W3C-shaped public document for a did:key identity.
// Everything in it is recomputable from the DID string alone.
type DIDDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	AssertionMethod    []string             `json:"assertionMethod"`
}

// VerificationMethod describes one public key inside a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// NewDIDDocument builds the document for a did:key DID. The verification
// method fragment is the multibase value itself, per the did:key method.
func NewDIDDocument(did string) DIDDocument {
	multibase := strings.TrimPrefix(did, didkey.Prefix)
	vmID := did + "#" + multibase
	return DIDDocument{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/ed25519-2020/v1",
		},
		ID: did,
		VerificationMethod: []VerificationMethod{{
			ID:                 vmID,
			Type:               "Ed25519VerificationKey2020",
			Controller:         did,
			PublicKeyMultibase: multibase,
		}},
		Authentication:  []string{vmID},
		AssertionMethod: []string{vmID},
	}
}

// Operation types recorded in the audit log.
const (
	OperationEnroll  = "enroll"
	OperationVerify  = "verify"
	OperationSession = "session"
)

// Operation outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeMismatch = "mismatch"
)

// Operation is one append-only audit record. Records never contain
// templates, seeds, keys, or clear subject identifiers.
type Operation struct {
	ID            string         `json:"id"`
	DID           string         `json:"did"`
	Type          string         `json:"type"`
	Outcome       string         `json:"outcome"`
	ContentHash   string         `json:"contentHash"`
	CorrelationID string         `json:"correlationId"`
	PerformedAt   string         `json:"performedAt"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ContentDigest returns the hex SHA-256 binding the record's identifying
// fields, suitable for anchoring the entry externally.
func (o Operation) ContentDigest() string {
	sum := sha256.Sum256([]byte(o.ID + "|" + o.DID + "|" + o.Type + "|" + o.Outcome + "|" + o.PerformedAt))
	return hex.EncodeToString(sum[:])
}

// SessionChallenge is a single-use nonce bound to a DID and audience.
type SessionChallenge struct {
	Value     string    `json:"nonce"`
	DID       string    `json:"did"`
	Audience  string    `json:"audience"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"-"`
}

// IdempotencyRecord captures a stored HTTP response replayed for repeated
// requests carrying the same Idempotency-Key.
type IdempotencyRecord struct {
	StatusCode int               `json:"statusCode"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// JWTSigningKey is a service signing key. PrivateKey holds the sealed
// envelope of the Ed25519 seed, never the clear seed; PublicKey is the raw
// verification key.
type JWTSigningKey struct {
	ID          string
	PrivateKey  []byte
	PublicKey   []byte
	CreatedAt   time.Time
	ActivatedAt time.Time
	RetiredAt   time.Time
	ExpiresAt   time.Time
}

// subjectDigestContext domain-separates subject digests from any other
// SHA-256 use in the system.
const subjectDigestContext = "biodid/subject/v1"

// SubjectDigest returns the stored fingerprint of a subject identifier. The
// pepper is a deployment secret; identifiers are trimmed before hashing so
// lookups match the pipeline's identifier normalization.
func SubjectDigest(pepper, subjectID string) string {
	sum := sha256.Sum256([]byte(subjectDigestContext + "|" + pepper + "|" + strings.TrimSpace(subjectID)))
	return hex.EncodeToString(sum[:])
}
