// Package storage contains persistence abstractions and the in-memory
// implementation used for tests and single-node deployments.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/kwelivote/biodid-go/internal/model"
)

// memory implements Store with mutex-guarded maps. Expiry is checked on
// read; CleanupExpired reclaims the space.
type memory struct {
	muIdentities sync.RWMutex
	identities   map[string]model.Identity // keyed by DID
	subjects     map[string]string         // subject digest -> DID

	muOps sync.RWMutex
	ops   map[string][]model.Operation // keyed by DID, append order

	muChallenges sync.Mutex
	challenges   map[string]model.SessionChallenge

	muCache sync.RWMutex
	cache   map[string]model.IdempotencyRecord

	muKeys      sync.RWMutex
	signingKeys map[string]model.JWTSigningKey
}

// NewMemory returns a concurrency-safe in-memory implementation of Store.
func NewMemory() Store {
	return &memory{
		identities:  make(map[string]model.Identity),
		subjects:    make(map[string]string),
		ops:         make(map[string][]model.Operation),
		challenges:  make(map[string]model.SessionChallenge),
		cache:       make(map[string]model.IdempotencyRecord),
		signingKeys: make(map[string]model.JWTSigningKey),
	}
}

// CreateIdentity stores a new identity. The DID and the subject digest must
// both be unused; either collision returns ErrConflict.
func (m *memory) CreateIdentity(ctx context.Context, identity model.Identity) error {
	m.muIdentities.Lock()
	defer m.muIdentities.Unlock()
	if _, ok := m.identities[identity.DID]; ok {
		return ErrConflict
	}
	if _, ok := m.subjects[identity.SubjectDigest]; ok {
		return ErrConflict
	}
	m.identities[identity.DID] = identity
	m.subjects[identity.SubjectDigest] = identity.DID
	return nil
}

// GetIdentity retrieves an identity by DID. Returns ErrNotFound when no
// record exists.
func (m *memory) GetIdentity(ctx context.Context, did string) (model.Identity, error) {
	m.muIdentities.RLock()
	defer m.muIdentities.RUnlock()
	identity, ok := m.identities[did]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return identity, nil
}

// GetIdentityBySubject retrieves an identity by its subject digest.
func (m *memory) GetIdentityBySubject(ctx context.Context, subjectDigest string) (model.Identity, error) {
	m.muIdentities.RLock()
	defer m.muIdentities.RUnlock()
	did, ok := m.subjects[subjectDigest]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return m.identities[did], nil
}

// UpdateIdentity updates an existing identity record.
func (m *memory) UpdateIdentity(ctx context.Context, identity model.Identity) error {
	m.muIdentities.Lock()
	defer m.muIdentities.Unlock()
	if _, ok := m.identities[identity.DID]; !ok {
		return ErrNotFound
	}
	m.identities[identity.DID] = identity
	return nil
}

// AppendOperation adds a new entry to the audit log.
func (m *memory) AppendOperation(ctx context.Context, op model.Operation) error {
	m.muOps.Lock()
	defer m.muOps.Unlock()
	m.ops[op.DID] = append(m.ops[op.DID], op)
	return nil
}

// ListOperations returns the audit entries for a DID, newest first.
func (m *memory) ListOperations(ctx context.Context, did string) ([]model.Operation, error) {
	m.muOps.RLock()
	defer m.muOps.RUnlock()
	stored := m.ops[did]
	out := make([]model.Operation, len(stored))
	for i, op := range stored {
		out[len(stored)-1-i] = op
	}
	return out, nil
}

// PutChallenge stores a new session challenge.
func (m *memory) PutChallenge(ctx context.Context, challenge model.SessionChallenge) error {
	m.muChallenges.Lock()
	defer m.muChallenges.Unlock()
	if _, ok := m.challenges[challenge.Value]; ok {
		return ErrConflict
	}
	m.challenges[challenge.Value] = challenge
	return nil
}

// ConsumeChallenge retrieves and invalidates a challenge. Expired or
// already-consumed values return ErrNotFound.
func (m *memory) ConsumeChallenge(ctx context.Context, value string) (model.SessionChallenge, error) {
	m.muChallenges.Lock()
	defer m.muChallenges.Unlock()
	challenge, ok := m.challenges[value]
	if !ok || challenge.Used || time.Now().UTC().After(challenge.ExpiresAt) {
		return model.SessionChallenge{}, ErrNotFound
	}
	challenge.Used = true
	m.challenges[value] = challenge
	return challenge, nil
}

// CleanupExpired removes expired challenges.
func (m *memory) CleanupExpired(ctx context.Context, now time.Time) error {
	m.muChallenges.Lock()
	defer m.muChallenges.Unlock()
	for value, challenge := range m.challenges {
		if challenge.ExpiresAt.Before(now) {
			delete(m.challenges, value)
		}
	}
	return nil
}

// Remember stores a response for idempotent replay.
func (m *memory) Remember(ctx context.Context, key string, record model.IdempotencyRecord) error {
	m.muCache.Lock()
	defer m.muCache.Unlock()
	m.cache[key] = record
	return nil
}

// Recall retrieves a stored response if present and unexpired.
func (m *memory) Recall(ctx context.Context, key string) (model.IdempotencyRecord, bool) {
	m.muCache.RLock()
	defer m.muCache.RUnlock()
	record, ok := m.cache[key]
	if !ok || time.Now().UTC().After(record.ExpiresAt) {
		return model.IdempotencyRecord{}, false
	}
	return record, true
}

// CleanupExpiredIdempotencyRecords removes expired replay records.
func (m *memory) CleanupExpiredIdempotencyRecords(ctx context.Context, now time.Time) error {
	m.muCache.Lock()
	defer m.muCache.Unlock()
	for key, record := range m.cache {
		if record.ExpiresAt.Before(now) {
			delete(m.cache, key)
		}
	}
	return nil
}
