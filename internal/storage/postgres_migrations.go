// Package storage contains PostgreSQL schema migrations for the enrollment
// service.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
// Each statement is idempotent (IF NOT EXISTS), so migrations run safely on
// every startup.
//
// Tables:
// - identities: enrolled identities keyed by DID, subject digest unique
// - operations: append-only audit log
// - challenges: single-use session challenges
// - idempotency_cache: stored responses for idempotent replay
// - signing_keys: service signing keys, private material sealed
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identities (
            did TEXT PRIMARY KEY,                 -- derived did:key identifier
            subject_digest TEXT NOT NULL UNIQUE,  -- keyed hash of the national ID, never the clear value
            role TEXT NOT NULL,                   -- voter or keyperson
            stabilizer TEXT NOT NULL,             -- stabilization policy in force at enrollment
            public_key_hex TEXT NOT NULL,
            public_key_multibase TEXT NOT NULL,
            document JSONB NOT NULL,              -- DID document
            created_at_utc TEXT NOT NULL,         -- RFC3339
            updated_at_utc TEXT NOT NULL          -- RFC3339
        )`,
		`CREATE TABLE IF NOT EXISTS operations (
            id TEXT PRIMARY KEY,                  -- uuid
            did TEXT NOT NULL,
            type TEXT NOT NULL,                   -- enroll, verify, session
            outcome TEXT NOT NULL,
            content_hash TEXT NOT NULL,           -- hex SHA-256 binding the record fields
            correlation_id TEXT NOT NULL,
            performed_at TEXT NOT NULL,           -- RFC3339
            payload JSONB
        )`,
		`CREATE INDEX IF NOT EXISTS idx_operations_did ON operations (did)`,
		`CREATE TABLE IF NOT EXISTS challenges (
            value TEXT PRIMARY KEY,               -- random nonce value
            did TEXT NOT NULL,
            audience TEXT NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL,
            used BOOLEAN NOT NULL DEFAULT FALSE
        )`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_expires_at ON challenges (expires_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_cache (
            key TEXT PRIMARY KEY,
            status_code INTEGER NOT NULL,
            body BYTEA NOT NULL,
            headers JSONB NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_cache_expires_at ON idempotency_cache (expires_at)`,
		`CREATE TABLE IF NOT EXISTS signing_keys (
            id TEXT PRIMARY KEY,
            private_key BYTEA NOT NULL,           -- sealed envelope, never clear key material
            public_key BYTEA NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            activated_at TIMESTAMPTZ NOT NULL,
            retired_at TIMESTAMPTZ,               -- NULL while the key is current
            expires_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_signing_keys_activated_at ON signing_keys (activated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signing_keys_expires_at ON signing_keys (expires_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
