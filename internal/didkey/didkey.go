// Package didkey implements the did:key method for Ed25519 public keys:
// deriving key pairs from a 32-byte seed, framing the public key with its
// multicodec prefix, multibase-encoding the result into a DID, and parsing
// such a DID back into the raw public key.
package didkey

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
)

// Prefix is the scheme and method portion of every identifier this package
// produces.
const Prefix = "did:key:"

// SeedSize is the required seed length in bytes, per RFC 8032.
const SeedSize = ed25519.SeedSize

// ed25519PubPrefix is the multicodec varint for an Ed25519 public key
// (code 0xED). did:key v1 requires exactly this two-byte form, so it is a
// fixed literal rather than a runtime varint encoding.
var ed25519PubPrefix = []byte{0xed, 0x01}

// FramedSize is the length of a multicodec-framed Ed25519 public key:
// the two prefix bytes plus the 32 key bytes.
const FramedSize = 2 + ed25519.PublicKeySize

var (
	// ErrZeroSeed is returned when the derivation seed is all zero bytes.
	ErrZeroSeed = errors.New("didkey: seed is all zeros")

	// ErrInvalidDID is returned when a string is not a well-formed did:key
	// identifier for an Ed25519 public key.
	ErrInvalidDID = errors.New("didkey: invalid did:key identifier")
)

// Derive builds an Ed25519 key pair from a 32-byte private seed. The seed is
// used verbatim per RFC 8032 (pure Ed25519); an all-zero seed is rejected.
func Derive(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("didkey: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	zero := true
	for _, b := range seed {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil, nil, ErrZeroSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return priv, pub, nil
}

// Frame prepends the Ed25519 multicodec prefix to a raw 32-byte public key,
// yielding the 34-byte value that did:key encodes.
func Frame(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("didkey: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	framed := make([]byte, 0, FramedSize)
	framed = append(framed, ed25519PubPrefix...)
	framed = append(framed, pub...)
	return framed, nil
}

// Assemble encodes a multicodec-framed public key as base58btc multibase and
// forms the final identifier.
func Assemble(framed []byte) (string, error) {
	if len(framed) != FramedSize || !bytes.HasPrefix(framed, ed25519PubPrefix) {
		return "", fmt.Errorf("didkey: framed value is not a prefixed ed25519 public key")
	}
	encoded, err := multibase.Encode(multibase.Base58BTC, framed)
	if err != nil {
		return "", fmt.Errorf("didkey: multibase encode: %w", err)
	}
	return Prefix + encoded, nil
}

// FromPublicKey frames and assembles in one step.
func FromPublicKey(pub ed25519.PublicKey) (string, error) {
	framed, err := Frame(pub)
	if err != nil {
		return "", err
	}
	return Assemble(framed)
}

// Decode reverses the multibase encoding of a method-specific identifier.
// Only base58btc (prefix 'z') is accepted; did:key is hard-coded to it.
func Decode(value string) ([]byte, error) {
	if !strings.HasPrefix(value, "z") {
		return nil, fmt.Errorf("%w: not base58btc multibase", ErrInvalidDID)
	}
	raw, err := base58.Decode(value[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	return raw, nil
}

// Parse extracts the raw Ed25519 public key from a did:key identifier. It
// accepts exactly what Assemble produces: method "key", base58btc multibase,
// Ed25519 multicodec prefix, 32-byte key.
func Parse(did string) (ed25519.PublicKey, error) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[2] == "" {
		return nil, fmt.Errorf("%w: malformed DID", ErrInvalidDID)
	}
	if parts[1] != "key" {
		return nil, fmt.Errorf("%w: method %q is not \"key\"", ErrInvalidDID, parts[1])
	}
	raw, err := Decode(parts[2])
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, ed25519PubPrefix) {
		return nil, fmt.Errorf("%w: key codec is not %s", ErrInvalidDID, multicodec.Ed25519Pub)
	}
	key := raw[len(ed25519PubPrefix):]
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidDID, len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}
