// Package storage contains tests for the in-memory storage implementation,
// which doubles as the reference for the Store contract.
package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kwelivote/biodid-go/internal/model"
)

func testIdentity(did, subject string) model.Identity {
	return model.Identity{
		DID:           did,
		SubjectDigest: subject,
		Role:          model.RoleVoter,
		Stabilizer:    "concat",
		Document:      model.NewDIDDocument(did),
		CreatedAtUTC:  "2026-01-01T00:00:00Z",
		UpdatedAtUTC:  "2026-01-01T00:00:00Z",
	}
}

func TestMemoryStore_CreateGetIdentity(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	identity := testIdentity("did:key:zTestA", "subject-a")
	if err := store.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	got, err := store.GetIdentity(ctx, identity.DID)
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if got.DID != identity.DID {
		t.Errorf("DID mismatch: got %q want %q", got.DID, identity.DID)
	}

	bySubject, err := store.GetIdentityBySubject(ctx, "subject-a")
	if err != nil {
		t.Fatalf("GetIdentityBySubject failed: %v", err)
	}
	if bySubject.DID != identity.DID {
		t.Errorf("subject lookup DID = %q want %q", bySubject.DID, identity.DID)
	}
}

func TestMemoryStore_GetIdentityNotFound(t *testing.T) {
	store := NewMemory()
	if _, err := store.GetIdentity(context.Background(), "did:key:zMissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetIdentityBySubject(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for subject, got %v", err)
	}
}

func TestMemoryStore_CreateIdentityConflicts(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateIdentity(ctx, testIdentity("did:key:zTestA", "subject-a")); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	// Same DID, different subject.
	if err := store.CreateIdentity(ctx, testIdentity("did:key:zTestA", "subject-b")); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate DID: expected ErrConflict, got %v", err)
	}
	// Same subject, different DID.
	if err := store.CreateIdentity(ctx, testIdentity("did:key:zTestB", "subject-a")); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate subject: expected ErrConflict, got %v", err)
	}
}

func TestMemoryStore_UpdateIdentity(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	identity := testIdentity("did:key:zTestA", "subject-a")
	if err := store.UpdateIdentity(ctx, identity); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: expected ErrNotFound, got %v", err)
	}

	if err := store.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}
	identity.Role = model.RoleKeyperson
	identity.UpdatedAtUTC = "2026-01-02T00:00:00Z"
	if err := store.UpdateIdentity(ctx, identity); err != nil {
		t.Fatalf("UpdateIdentity failed: %v", err)
	}
	got, err := store.GetIdentity(ctx, identity.DID)
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if got.Role != model.RoleKeyperson {
		t.Errorf("role = %q want %q", got.Role, model.RoleKeyperson)
	}
}

func TestMemoryStore_OperationsNewestFirst(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for i, opType := range []string{model.OperationEnroll, model.OperationVerify, model.OperationSession} {
		op := model.Operation{
			ID:          string(rune('a' + i)),
			DID:         "did:key:zTestA",
			Type:        opType,
			Outcome:     model.OutcomeSuccess,
			PerformedAt: time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		}
		if err := store.AppendOperation(ctx, op); err != nil {
			t.Fatalf("AppendOperation failed: %v", err)
		}
	}

	ops, err := store.ListOperations(ctx, "did:key:zTestA")
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("len(ops) = %d want 3", len(ops))
	}
	if ops[0].Type != model.OperationSession || ops[2].Type != model.OperationEnroll {
		t.Fatalf("order wrong: got %s..%s want session..enroll", ops[0].Type, ops[2].Type)
	}

	other, err := store.ListOperations(ctx, "did:key:zOther")
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected operations for unknown DID: %d", len(other))
	}
}

func TestMemoryStore_ChallengeSingleUse(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	challenge := model.SessionChallenge{
		Value:     "nonce-1",
		DID:       "did:key:zTestA",
		Audience:  "biodid",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	if err := store.PutChallenge(ctx, challenge); err != nil {
		t.Fatalf("PutChallenge failed: %v", err)
	}

	got, err := store.ConsumeChallenge(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("ConsumeChallenge failed: %v", err)
	}
	if got.DID != challenge.DID || got.Audience != challenge.Audience {
		t.Fatalf("challenge mismatch: got %+v", got)
	}

	// Second consumption must fail.
	if _, err := store.ConsumeChallenge(ctx, "nonce-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replay: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ChallengeExpiry(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	expired := model.SessionChallenge{
		Value:     "nonce-old",
		DID:       "did:key:zTestA",
		Audience:  "biodid",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := store.PutChallenge(ctx, expired); err != nil {
		t.Fatalf("PutChallenge failed: %v", err)
	}
	if _, err := store.ConsumeChallenge(ctx, "nonce-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: expected ErrNotFound, got %v", err)
	}
	if err := store.CleanupExpired(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
}

func TestMemoryStore_IdempotencyRecall(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	record := model.IdempotencyRecord{
		StatusCode: 201,
		Body:       []byte(`{"data":{}}`),
		Headers:    map[string]string{"Content-Type": "application/json"},
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}
	if err := store.Remember(ctx, "key-1", record); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	got, ok := store.Recall(ctx, "key-1")
	if !ok {
		t.Fatalf("Recall miss for stored key")
	}
	if got.StatusCode != 201 || string(got.Body) != `{"data":{}}` {
		t.Fatalf("recalled record mismatch: %+v", got)
	}

	if _, ok := store.Recall(ctx, "key-unknown"); ok {
		t.Fatalf("Recall hit for unknown key")
	}

	record.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Remember(ctx, "key-expired", record); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if _, ok := store.Recall(ctx, "key-expired"); ok {
		t.Fatalf("Recall hit for expired key")
	}

	// The sweep drops the expired record and keeps the live one.
	if err := store.CleanupExpiredIdempotencyRecords(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("CleanupExpiredIdempotencyRecords failed: %v", err)
	}
	if _, ok := store.Recall(ctx, "key-1"); !ok {
		t.Fatalf("sweep removed an unexpired record")
	}
}

func TestMemoryStore_SigningKeyLifecycle(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.GetCurrentSigningKey(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: expected ErrNotFound, got %v", err)
	}

	older := model.JWTSigningKey{
		ID:          "key-old",
		PrivateKey:  []byte("sealed-old"),
		PublicKey:   []byte("pub-old"),
		CreatedAt:   now.Add(-2 * time.Hour),
		ActivatedAt: now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	newer := model.JWTSigningKey{
		ID:          "key-new",
		PrivateKey:  []byte("sealed-new"),
		PublicKey:   []byte("pub-new"),
		CreatedAt:   now.Add(-time.Hour),
		ActivatedAt: now.Add(-time.Hour),
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	for _, key := range []model.JWTSigningKey{older, newer} {
		if err := store.AddSigningKey(ctx, key); err != nil {
			t.Fatalf("AddSigningKey(%s) failed: %v", key.ID, err)
		}
	}
	if err := store.AddSigningKey(ctx, newer); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate key ID: expected ErrConflict, got %v", err)
	}

	current, err := store.GetCurrentSigningKey(ctx)
	if err != nil {
		t.Fatalf("GetCurrentSigningKey failed: %v", err)
	}
	if current.ID != "key-new" {
		t.Fatalf("current key = %s want key-new", current.ID)
	}

	// Retiring the newer key in the past makes the older one current again.
	if err := store.RetireSigningKey(ctx, "key-new", now.Add(-time.Minute)); err != nil {
		t.Fatalf("RetireSigningKey failed: %v", err)
	}
	current, err = store.GetCurrentSigningKey(ctx)
	if err != nil {
		t.Fatalf("GetCurrentSigningKey after retire failed: %v", err)
	}
	if current.ID != "key-old" {
		t.Fatalf("current key after retire = %s want key-old", current.ID)
	}

	// Retired-but-unexpired keys stay listed for verification overlap.
	active, err := store.ListActiveSigningKeys(ctx)
	if err != nil {
		t.Fatalf("ListActiveSigningKeys failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d want 2", len(active))
	}

	got, err := store.GetSigningKeyByID(ctx, "key-old")
	if err != nil {
		t.Fatalf("GetSigningKeyByID failed: %v", err)
	}
	// Mutating the returned slice must not affect the stored copy.
	got.PrivateKey[0] = 'X'
	again, err := store.GetSigningKeyByID(ctx, "key-old")
	if err != nil {
		t.Fatalf("GetSigningKeyByID failed: %v", err)
	}
	if string(again.PrivateKey) != "sealed-old" {
		t.Fatalf("stored key mutated through returned copy")
	}

	if err := store.CleanupExpiredSigningKeys(ctx, now.Add(48*time.Hour)); err != nil {
		t.Fatalf("CleanupExpiredSigningKeys failed: %v", err)
	}
	if _, err := store.GetSigningKeyByID(ctx, "key-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cleanup to remove key-old, got %v", err)
	}
}
