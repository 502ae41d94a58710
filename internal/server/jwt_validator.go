package server

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/kwelivote/biodid-go/internal/storage"
)

// iatFutureTolerance absorbs clock skew when checking issued-at claims.
const iatFutureTolerance = 5 * time.Minute

// JWTValidator verifies session tokens against the persisted signing keys
// with fail-closed semantics: a token is accepted only when the algorithm,
// the signing key lifecycle, and every required claim check out.
type JWTValidator struct {
	keys     storage.SigningKeyStore
	issuer   string
	audience string
	clock    func() time.Time
}

// NewJWTValidator creates a validator bound to the expected issuer and
// audience.
func NewJWTValidator(keys storage.SigningKeyStore, issuer, audience string, clock func() time.Time) *JWTValidator {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &JWTValidator{keys: keys, issuer: issuer, audience: audience, clock: clock}
}

// ValidateToken parses and verifies a session token, returning its claims.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (jwtlib.MapClaims, error) {
	token, err := jwtlib.Parse(tokenString, func(token *jwtlib.Token) (interface{}, error) {
		if token.Method != jwtlib.SigningMethodEdDSA {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid header")
		}

		key, err := v.keys.GetSigningKeyByID(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve key with kid %s: %w", kid, err)
		}

		now := v.clock()
		if !key.RetiredAt.IsZero() && key.RetiredAt.Before(now) {
			return nil, fmt.Errorf("key with kid %s is retired", kid)
		}
		if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(now) {
			return nil, fmt.Errorf("key with kid %s is expired", kid)
		}
		if key.ActivatedAt.After(now) {
			return nil, fmt.Errorf("key with kid %s is not yet active", kid)
		}

		return ed25519.PublicKey(key.PublicKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to parse claims")
	}

	if iss, ok := claims["iss"].(string); !ok || iss != v.issuer {
		return nil, fmt.Errorf("missing or invalid iss claim")
	}

	aud, ok := claims["aud"].(string)
	if !ok || aud == "" {
		return nil, fmt.Errorf("missing or invalid aud claim")
	}
	if aud != v.audience {
		return nil, fmt.Errorf("aud claim mismatch: expected %s, got %s", v.audience, aud)
	}

	if sub, ok := claims["sub"].(string); !ok || sub == "" {
		return nil, fmt.Errorf("missing or invalid sub claim")
	}

	if iat, ok := claims["iat"].(float64); !ok || iat == 0 {
		return nil, fmt.Errorf("missing or invalid iat claim")
	} else if time.Unix(int64(iat), 0).After(v.clock().Add(iatFutureTolerance)) {
		return nil, fmt.Errorf("token issued in the future")
	}

	if exp, ok := claims["exp"].(float64); !ok || exp == 0 {
		return nil, fmt.Errorf("missing or invalid exp claim")
	} else if time.Unix(int64(exp), 0).Before(v.clock()) {
		return nil, fmt.Errorf("token expired")
	}

	if jti, ok := claims["jti"].(string); !ok || jti == "" {
		return nil, fmt.Errorf("missing or invalid jti claim")
	}

	return claims, nil
}
