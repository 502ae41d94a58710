// Package storage provides interfaces and implementations for persistent
// storage of identities, audit operations, session challenges, idempotency
// records, and service signing keys.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kwelivote/biodid-go/internal/model"
)

// Standard error values used across storage implementations.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource already exists or the operation would violate invariants.
	ErrConflict = errors.New("conflict")
)

// IdentityStore persists enrolled identities. Both the DID and the subject
// digest are unique across the store.
type IdentityStore interface {
	// CreateIdentity stores a new identity. Returns ErrConflict when the DID
	// or the subject digest is already enrolled.
	CreateIdentity(ctx context.Context, identity model.Identity) error
	// GetIdentity retrieves an identity by its DID.
	GetIdentity(ctx context.Context, did string) (model.Identity, error)
	// GetIdentityBySubject retrieves an identity by its subject digest.
	GetIdentityBySubject(ctx context.Context, subjectDigest string) (model.Identity, error)
	// UpdateIdentity updates an existing identity record.
	UpdateIdentity(ctx context.Context, identity model.Identity) error
}

// OperationStore captures the append-only audit history for a DID.
type OperationStore interface {
	// AppendOperation adds a new entry to the audit log.
	AppendOperation(ctx context.Context, op model.Operation) error
	// ListOperations retrieves the entries for a DID, newest first.
	ListOperations(ctx context.Context, did string) ([]model.Operation, error)
}

// NonceStore manages challenge lifecycle for session issuance. Challenges
// are single-use.
type NonceStore interface {
	// PutChallenge stores a new challenge for later consumption.
	PutChallenge(ctx context.Context, challenge model.SessionChallenge) error
	// ConsumeChallenge retrieves and invalidates a challenge. Returns
	// ErrNotFound when the value is unknown, expired, or already consumed.
	ConsumeChallenge(ctx context.Context, value string) (model.SessionChallenge, error)
	// CleanupExpired removes expired challenges from storage.
	CleanupExpired(ctx context.Context, now time.Time) error
}

// IdempotencyStore stores deterministic responses for a limited period.
type IdempotencyStore interface {
	// Remember stores a response for later replay.
	Remember(ctx context.Context, key string, record model.IdempotencyRecord) error
	// Recall retrieves a previously stored response if it exists and has not expired.
	Recall(ctx context.Context, key string) (model.IdempotencyRecord, bool)
	// CleanupExpiredIdempotencyRecords removes expired replay records.
	CleanupExpiredIdempotencyRecords(ctx context.Context, now time.Time) error
}

// SigningKeyStore persists service signing keys. Private key material is
// stored as a sealed envelope so a storage dump alone cannot forge tokens.
type SigningKeyStore interface {
	// GetCurrentSigningKey returns the most recently activated unretired key.
	GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error)
	// GetSigningKeyByID retrieves a specific signing key by its ID.
	GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error)
	// ListActiveSigningKeys returns activated, unexpired keys, including
	// retired keys still inside their overlap window.
	ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error)
	// AddSigningKey adds a new signing key to the store.
	AddSigningKey(ctx context.Context, key model.JWTSigningKey) error
	// RetireSigningKey schedules a signing key's retirement.
	RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error
	// CleanupExpiredSigningKeys removes expired signing keys.
	CleanupExpiredSigningKeys(ctx context.Context, now time.Time) error
}

// Store aggregates all persistence capabilities required by the service.
type Store interface {
	IdentityStore
	OperationStore
	NonceStore
	IdempotencyStore
	SigningKeyStore
}

// Pinger is implemented by stores with an external backend; readiness checks
// use it to verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
