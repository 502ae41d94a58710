// Package storage contains the PostgreSQL implementation of the Store
// interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/kwelivote/biodid-go/internal/model"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint
// violations, mapped to ErrConflict.
const pgUniqueViolation = "23505"

// Postgres implements Store backed by PostgreSQL. Complex values (DID
// documents, operation payloads, response headers) are stored as JSONB.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pooled connection to PostgreSQL and verifies it.
//
// Pool configuration:
// - max 25 open connections
// - max 5 idle connections
// - 5-minute lifetime and idle time to prevent stale connections
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &Postgres{db: db}, nil
}

// DB returns the underlying connection pool, used by migrations.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Ping verifies database connectivity for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateIdentity stores a new identity. Unique constraints on the DID and
// the subject digest surface as ErrConflict.
func (p *Postgres) CreateIdentity(ctx context.Context, identity model.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO identities
        (did, subject_digest, role, stabilizer, public_key_hex, public_key_multibase, document, created_at_utc, updated_at_utc)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	docBytes, err := json.Marshal(identity.Document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = p.db.ExecContext(ctx, q,
		identity.DID, identity.SubjectDigest, identity.Role, identity.Stabilizer,
		identity.PublicKeyHex, identity.PublicKeyMultibase, docBytes,
		identity.CreatedAtUTC, identity.UpdatedAtUTC)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by its DID.
func (p *Postgres) GetIdentity(ctx context.Context, did string) (model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT did, subject_digest, role, stabilizer, public_key_hex, public_key_multibase, document, created_at_utc, updated_at_utc
        FROM identities WHERE did = $1`
	return p.scanIdentity(p.db.QueryRowContext(ctx, q, did))
}

// GetIdentityBySubject retrieves an identity by its subject digest.
func (p *Postgres) GetIdentityBySubject(ctx context.Context, subjectDigest string) (model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT did, subject_digest, role, stabilizer, public_key_hex, public_key_multibase, document, created_at_utc, updated_at_utc
        FROM identities WHERE subject_digest = $1`
	return p.scanIdentity(p.db.QueryRowContext(ctx, q, subjectDigest))
}

// scanIdentity decodes one identities row.
func (p *Postgres) scanIdentity(row *sql.Row) (model.Identity, error) {
	var identity model.Identity
	var docBytes []byte
	err := row.Scan(&identity.DID, &identity.SubjectDigest, &identity.Role, &identity.Stabilizer,
		&identity.PublicKeyHex, &identity.PublicKeyMultibase, &docBytes,
		&identity.CreatedAtUTC, &identity.UpdatedAtUTC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, ErrNotFound
		}
		return model.Identity{}, fmt.Errorf("query identity: %w", err)
	}
	if err := json.Unmarshal(docBytes, &identity.Document); err != nil {
		return model.Identity{}, fmt.Errorf("unmarshal document: %w", err)
	}
	return identity, nil
}

// UpdateIdentity updates an existing identity record.
func (p *Postgres) UpdateIdentity(ctx context.Context, identity model.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `UPDATE identities SET role = $1, stabilizer = $2, document = $3, updated_at_utc = $4 WHERE did = $5`
	docBytes, err := json.Marshal(identity.Document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	res, err := p.db.ExecContext(ctx, q, identity.Role, identity.Stabilizer, docBytes, identity.UpdatedAtUTC, identity.DID)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendOperation adds a new entry to the audit log.
func (p *Postgres) AppendOperation(ctx context.Context, op model.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO operations (id, did, type, outcome, content_hash, correlation_id, performed_at, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	payloadBytes, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, q, op.ID, op.DID, op.Type, op.Outcome, op.ContentHash, op.CorrelationID, op.PerformedAt, payloadBytes)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// ListOperations retrieves the audit entries for a DID, newest first.
func (p *Postgres) ListOperations(ctx context.Context, did string) ([]model.Operation, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT id, did, type, outcome, content_hash, correlation_id, performed_at, payload
        FROM operations WHERE did = $1 ORDER BY performed_at DESC, id DESC`
	rows, err := p.db.QueryContext(ctx, q, did)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := make([]model.Operation, 0)
	for rows.Next() {
		var op model.Operation
		var payloadBytes []byte
		if err := rows.Scan(&op.ID, &op.DID, &op.Type, &op.Outcome, &op.ContentHash, &op.CorrelationID, &op.PerformedAt, &payloadBytes); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if err := json.Unmarshal(payloadBytes, &op.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// PutChallenge stores a new session challenge.
func (p *Postgres) PutChallenge(ctx context.Context, challenge model.SessionChallenge) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO challenges (value, did, audience, expires_at, used) VALUES ($1, $2, $3, $4, $5)`
	_, err := p.db.ExecContext(ctx, q, challenge.Value, challenge.DID, challenge.Audience, challenge.ExpiresAt, challenge.Used)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge retrieves and invalidates a challenge using an atomic
// UPDATE with RETURNING, which guarantees single-use semantics.
func (p *Postgres) ConsumeChallenge(ctx context.Context, value string) (model.SessionChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `UPDATE challenges SET used = true
        WHERE value = $1 AND expires_at > $2 AND used = false
        RETURNING did, audience, expires_at`
	var challenge model.SessionChallenge
	err := p.db.QueryRowContext(ctx, q, value, time.Now().UTC()).Scan(&challenge.DID, &challenge.Audience, &challenge.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionChallenge{}, ErrNotFound
		}
		return model.SessionChallenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	challenge.Value = value
	challenge.Used = true
	return challenge, nil
}

// CleanupExpired removes expired challenges.
func (p *Postgres) CleanupExpired(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `DELETE FROM challenges WHERE expires_at <= $1`
	if _, err := p.db.ExecContext(ctx, q, now); err != nil {
		return fmt.Errorf("cleanup challenges: %w", err)
	}
	return nil
}

// Remember stores a response for idempotent replay.
func (p *Postgres) Remember(ctx context.Context, key string, record model.IdempotencyRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO idempotency_cache (key, status_code, body, headers, expires_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (key) DO NOTHING`
	headersBytes, err := json.Marshal(record.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = p.db.ExecContext(ctx, q, key, record.StatusCode, record.Body, headersBytes, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert cache: %w", err)
	}
	return nil
}

// Recall retrieves a stored response if present and unexpired.
func (p *Postgres) Recall(ctx context.Context, key string) (model.IdempotencyRecord, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT status_code, body, headers, expires_at FROM idempotency_cache WHERE key = $1 AND expires_at > $2`
	var record model.IdempotencyRecord
	var headersBytes []byte
	err := p.db.QueryRowContext(ctx, q, key, time.Now().UTC()).Scan(&record.StatusCode, &record.Body, &headersBytes, &record.ExpiresAt)
	if err != nil {
		return model.IdempotencyRecord{}, false
	}
	if err := json.Unmarshal(headersBytes, &record.Headers); err != nil {
		return model.IdempotencyRecord{}, false
	}
	return record, true
}

// CleanupExpiredIdempotencyRecords removes expired replay records from
// PostgreSQL storage.
func (p *Postgres) CleanupExpiredIdempotencyRecords(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `DELETE FROM idempotency_cache WHERE expires_at <= $1`
	if _, err := p.db.ExecContext(ctx, q, now); err != nil {
		return fmt.Errorf("cleanup idempotency cache: %w", err)
	}
	return nil
}
