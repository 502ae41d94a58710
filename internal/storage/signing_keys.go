// Package storage contains persistence abstractions and implementations for
// the enrollment service.
// This file provides the in-memory signing-key store backing token issuance
// and rotation.
package storage

import (
	"context"
	"time"

	"github.com/kwelivote/biodid-go/internal/model"
)

// GetCurrentSigningKey returns the most recently activated key that is not
// retired.
func (m *memory) GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error) {
	m.muKeys.RLock()
	defer m.muKeys.RUnlock()

	var current model.JWTSigningKey
	var found bool
	var latestActivation time.Time
	now := time.Now().UTC()

	for _, key := range m.signingKeys {
		if !key.RetiredAt.IsZero() && key.RetiredAt.Before(now) {
			continue
		}
		if key.ActivatedAt.After(now) {
			continue
		}
		if !found || key.ActivatedAt.After(latestActivation) {
			current = cloneSigningKey(key)
			latestActivation = key.ActivatedAt
			found = true
		}
	}

	if !found {
		return model.JWTSigningKey{}, ErrNotFound
	}
	return current, nil
}

// GetSigningKeyByID retrieves a specific signing key by its ID.
func (m *memory) GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error) {
	m.muKeys.RLock()
	defer m.muKeys.RUnlock()

	key, ok := m.signingKeys[keyID]
	if !ok {
		return model.JWTSigningKey{}, ErrNotFound
	}
	return cloneSigningKey(key), nil
}

// ListActiveSigningKeys returns all activated, unexpired keys, including
// retired keys still inside their overlap window.
func (m *memory) ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error) {
	m.muKeys.RLock()
	defer m.muKeys.RUnlock()

	var active []model.JWTSigningKey
	now := time.Now().UTC()

	for _, key := range m.signingKeys {
		if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(now) {
			continue
		}
		if key.ActivatedAt.After(now) {
			continue
		}
		active = append(active, cloneSigningKey(key))
	}
	return active, nil
}

// AddSigningKey adds a new signing key to the store.
func (m *memory) AddSigningKey(ctx context.Context, key model.JWTSigningKey) error {
	m.muKeys.Lock()
	defer m.muKeys.Unlock()

	if _, ok := m.signingKeys[key.ID]; ok {
		return ErrConflict
	}
	m.signingKeys[key.ID] = cloneSigningKey(key)
	return nil
}

// RetireSigningKey schedules a key's retirement. The key remains in the
// store until its expiration time.
func (m *memory) RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error {
	m.muKeys.Lock()
	defer m.muKeys.Unlock()

	key, ok := m.signingKeys[keyID]
	if !ok {
		return ErrNotFound
	}
	key.RetiredAt = retiredAt
	m.signingKeys[keyID] = key
	return nil
}

// CleanupExpiredSigningKeys removes expired signing keys from storage.
func (m *memory) CleanupExpiredSigningKeys(ctx context.Context, now time.Time) error {
	m.muKeys.Lock()
	defer m.muKeys.Unlock()

	for keyID, key := range m.signingKeys {
		if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(now) {
			delete(m.signingKeys, keyID)
		}
	}
	return nil
}

// cloneSigningKey deep-copies a key so callers cannot mutate stored byte
// slices.
func cloneSigningKey(in model.JWTSigningKey) model.JWTSigningKey {
	out := in
	if in.PrivateKey != nil {
		out.PrivateKey = append([]byte(nil), in.PrivateKey...)
	}
	if in.PublicKey != nil {
		out.PublicKey = append([]byte(nil), in.PublicKey...)
	}
	return out
}
