// Package storage contains the PostgreSQL implementation of the Store
// interface.
// This file provides the signing-key store backing token issuance and
// rotation.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kwelivote/biodid-go/internal/model"
)

// GetCurrentSigningKey returns the most recently activated unretired key.
func (p *Postgres) GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT id, private_key, public_key, created_at, activated_at, retired_at, expires_at
        FROM signing_keys
        WHERE (retired_at IS NULL OR retired_at > $1)
          AND activated_at <= $1
        ORDER BY activated_at DESC
        LIMIT 1`
	return scanSigningKey(p.db.QueryRowContext(ctx, q, time.Now().UTC()))
}

// GetSigningKeyByID retrieves a specific signing key by its ID.
func (p *Postgres) GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT id, private_key, public_key, created_at, activated_at, retired_at, expires_at
        FROM signing_keys WHERE id = $1`
	return scanSigningKey(p.db.QueryRowContext(ctx, q, keyID))
}

// scanSigningKey decodes one signing_keys row.
func scanSigningKey(row *sql.Row) (model.JWTSigningKey, error) {
	var key model.JWTSigningKey
	var retiredAt *time.Time
	err := row.Scan(&key.ID, &key.PrivateKey, &key.PublicKey, &key.CreatedAt, &key.ActivatedAt, &retiredAt, &key.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.JWTSigningKey{}, ErrNotFound
		}
		return model.JWTSigningKey{}, fmt.Errorf("query signing key: %w", err)
	}
	if retiredAt != nil {
		key.RetiredAt = *retiredAt
	}
	return key, nil
}

// ListActiveSigningKeys returns all activated, unexpired keys, including
// retired keys still inside their overlap window.
func (p *Postgres) ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT id, private_key, public_key, created_at, activated_at, retired_at, expires_at
        FROM signing_keys
        WHERE expires_at > $1 AND activated_at <= $1
        ORDER BY activated_at DESC`
	rows, err := p.db.QueryContext(ctx, q, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list active signing keys: %w", err)
	}
	defer rows.Close()

	var keys []model.JWTSigningKey
	for rows.Next() {
		var key model.JWTSigningKey
		var retiredAt *time.Time
		if err := rows.Scan(&key.ID, &key.PrivateKey, &key.PublicKey, &key.CreatedAt, &key.ActivatedAt, &retiredAt, &key.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		if retiredAt != nil {
			key.RetiredAt = *retiredAt
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing keys: %w", err)
	}
	return keys, nil
}

// AddSigningKey adds a new signing key.
func (p *Postgres) AddSigningKey(ctx context.Context, key model.JWTSigningKey) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO signing_keys (id, private_key, public_key, created_at, activated_at, retired_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	var retiredAt *time.Time
	if !key.RetiredAt.IsZero() {
		retiredAt = &key.RetiredAt
	}
	_, err := p.db.ExecContext(ctx, q, key.ID, key.PrivateKey, key.PublicKey, key.CreatedAt, key.ActivatedAt, retiredAt, key.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("add signing key: %w", err)
	}
	return nil
}

// RetireSigningKey schedules a key's retirement. The key remains queryable
// until its expiration time.
func (p *Postgres) RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `UPDATE signing_keys SET retired_at = $1 WHERE id = $2`
	res, err := p.db.ExecContext(ctx, q, retiredAt, keyID)
	if err != nil {
		return fmt.Errorf("retire signing key: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpiredSigningKeys removes expired signing keys.
func (p *Postgres) CleanupExpiredSigningKeys(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `DELETE FROM signing_keys WHERE expires_at <= $1`
	if _, err := p.db.ExecContext(ctx, q, now); err != nil {
		return fmt.Errorf("cleanup signing keys: %w", err)
	}
	return nil
}
