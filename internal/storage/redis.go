// Package storage contains the Redis overlay for challenge and idempotency
// storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kwelivote/biodid-go/internal/model"
)

// Key prefixes namespacing service data inside a shared Redis.
const (
	redisChallengePrefix   = "biodid:challenge:"
	redisIdempotencyPrefix = "biodid:idem:"
)

// redisOverlay routes the NonceStore and IdempotencyStore capabilities to
// Redis and delegates everything else to the primary store. Redis handles
// expiry natively through key TTLs, and GETDEL gives one-time challenge
// consumption without a transaction.
type redisOverlay struct {
	Store
	client *redis.Client
}

// NewRedisOverlay wraps primary with a Redis-backed challenge and
// idempotency store. The connection is verified before returning.
func NewRedisOverlay(primary Store, addr string) (Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &redisOverlay{Store: primary, client: client}, nil
}

// Ping verifies Redis and the primary store for readiness checks.
func (r *redisOverlay) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if p, ok := r.Store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// PutChallenge stores a challenge under its native TTL.
func (r *redisOverlay) PutChallenge(ctx context.Context, challenge model.SessionChallenge) error {
	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired")
	}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ok, err := r.client.SetNX(ctx, redisChallengePrefix+challenge.Value, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// ConsumeChallenge atomically fetches and deletes a challenge. A missing key
// means unknown, expired, or already consumed; all map to ErrNotFound.
func (r *redisOverlay) ConsumeChallenge(ctx context.Context, value string) (model.SessionChallenge, error) {
	raw, err := r.client.GetDel(ctx, redisChallengePrefix+value).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.SessionChallenge{}, ErrNotFound
		}
		return model.SessionChallenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	var challenge model.SessionChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return model.SessionChallenge{}, fmt.Errorf("unmarshal challenge: %w", err)
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		return model.SessionChallenge{}, ErrNotFound
	}
	challenge.Used = true
	return challenge, nil
}

// CleanupExpired is a no-op; Redis expires challenge keys natively.
func (r *redisOverlay) CleanupExpired(ctx context.Context, now time.Time) error {
	return nil
}

// Remember stores a response for idempotent replay under its native TTL.
func (r *redisOverlay) Remember(ctx context.Context, key string, record model.IdempotencyRecord) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := r.client.SetNX(ctx, redisIdempotencyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("remember: %w", err)
	}
	return nil
}

// Recall retrieves a stored response if present and unexpired.
func (r *redisOverlay) Recall(ctx context.Context, key string) (model.IdempotencyRecord, bool) {
	raw, err := r.client.Get(ctx, redisIdempotencyPrefix+key).Bytes()
	if err != nil {
		return model.IdempotencyRecord{}, false
	}
	var record model.IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return model.IdempotencyRecord{}, false
	}
	return record, true
}

// CleanupExpiredIdempotencyRecords is a no-op; Redis expires replay keys
// natively.
func (r *redisOverlay) CleanupExpiredIdempotencyRecords(ctx context.Context, now time.Time) error {
	return nil
}
