package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kwelivote/biodid-go/internal/model"
	"github.com/kwelivote/biodid-go/internal/seal"
	"github.com/kwelivote/biodid-go/internal/storage"
)

// signingKeyLifetime is how long a service signing key remains usable.
const signingKeyLifetime = 365 * 24 * time.Hour

// rotationLead is how close to expiry the current key may get before boot
// rotates it out.
const rotationLead = 30 * 24 * time.Hour

// rotationOverlap keeps a rotated-out key verifying already-issued tokens
// while new tokens move to its successor.
const rotationOverlap = 24 * time.Hour

// ensureSigningKey loads the current service signing key, generating and
// persisting one when none exists and rotating one that is close to expiry.
// The private seed is stored only as a sealed envelope; the clear key lives
// in process memory.
func ensureSigningKey(ctx context.Context, store storage.SigningKeyStore, passphrase string, clock func() time.Time, logger *slog.Logger) (ed25519.PrivateKey, string, error) {
	current, err := store.GetCurrentSigningKey(ctx)
	switch {
	case err == nil:
		if current.ExpiresAt.Sub(clock()) > rotationLead {
			priv, err := unsealSigningKey(passphrase, current)
			if err != nil {
				return nil, "", err
			}
			return priv, current.ID, nil
		}
		logger.Info("signing key close to expiry, rotating", "kid", current.ID)
		return rotateSigningKey(ctx, store, passphrase, clock, current)
	case errors.Is(err, storage.ErrNotFound):
		logger.Info("no signing key found, generating one")
		key, priv, err := newSigningKey(passphrase, clock())
		if err != nil {
			return nil, "", err
		}
		if err := store.AddSigningKey(ctx, key); err != nil {
			return nil, "", fmt.Errorf("store signing key: %w", err)
		}
		return priv, key.ID, nil
	default:
		return nil, "", fmt.Errorf("load signing key: %w", err)
	}
}

// rotateSigningKey activates a fresh key and schedules the old one's
// retirement after an overlap window so outstanding tokens stay verifiable.
func rotateSigningKey(ctx context.Context, store storage.SigningKeyStore, passphrase string, clock func() time.Time, old model.JWTSigningKey) (ed25519.PrivateKey, string, error) {
	now := clock()
	key, priv, err := newSigningKey(passphrase, now)
	if err != nil {
		return nil, "", err
	}
	if err := store.AddSigningKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store signing key: %w", err)
	}
	if err := store.RetireSigningKey(ctx, old.ID, now.Add(rotationOverlap)); err != nil {
		return nil, "", fmt.Errorf("retire signing key %s: %w", old.ID, err)
	}
	return priv, key.ID, nil
}

// newSigningKey generates an Ed25519 key and seals its seed under the
// keystore passphrase.
func newSigningKey(passphrase string, now time.Time) (model.JWTSigningKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return model.JWTSigningKey{}, nil, fmt.Errorf("generate signing key: %w", err)
	}
	seed := priv.Seed()
	sealed, err := seal.Seal(passphrase, seed)
	zeroBytes(seed)
	if err != nil {
		return model.JWTSigningKey{}, nil, fmt.Errorf("seal signing key: %w", err)
	}
	key := model.JWTSigningKey{
		ID:          fmt.Sprintf("key-%x", pub[:4]),
		PrivateKey:  sealed,
		PublicKey:   pub,
		CreatedAt:   now,
		ActivatedAt: now,
		ExpiresAt:   now.Add(signingKeyLifetime),
	}
	return key, priv, nil
}

// unsealSigningKey opens a persisted key's sealed envelope and rebuilds the
// signer.
func unsealSigningKey(passphrase string, key model.JWTSigningKey) (ed25519.PrivateKey, error) {
	seed, err := seal.Open(passphrase, key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unseal signing key %s: %w", key.ID, err)
	}
	if len(seed) != ed25519.SeedSize {
		zeroBytes(seed)
		return nil, fmt.Errorf("unsealed signing key %s is %d bytes, want %d", key.ID, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	zeroBytes(seed)
	return priv, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
