// Package pipeline derives deterministic did:key identities from ISO/IEC
// 19794-2 fingerprint templates. The derivation is a pure seven-stage
// composition: template intake, stabilization, seed selection, SHA-256
// hashing, Ed25519 key derivation, multicodec framing, and multibase DID
// assembly. Same container and user identifier in, same identity out; the
// pipeline holds no state, performs no I/O, and consumes no randomness, so a
// single value is safe for concurrent use.
package pipeline

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/kwelivote/biodid-go/internal/didkey"
)

// Stage names a pipeline stage in execution order. The values appear in
// events, metrics, and logs.
type Stage string

const (
	StageIntake    Stage = "template_intake"
	StageStabilize Stage = "stabilization"
	StageSeed      Stage = "seed_selection"
	StageHash      Stage = "hashing"
	StageDerive    Stage = "key_derivation"
	StageFrame     Stage = "multicodec_framing"
	StageAssemble  Stage = "did_assembly"
)

// Event reports the outcome of one executed stage. Events carry no template
// bytes, stabilized material, seeds, keys, or user identifiers; they are safe
// to log verbatim.
type Event struct {
	Stage    Stage
	Err      error
	Duration time.Duration
}

// Result is the derivation output. Both key encodings are 64 lowercase hex
// characters; PrivateKeyHex is the raw RFC 8032 seed, not the expanded
// scalar. The caller owns the secret and is responsible for its handling.
type Result struct {
	DID           string `json:"did"`
	PrivateKeyHex string `json:"privateKeyHex"`
	PublicKeyHex  string `json:"publicKeyHex"`
}

// Pipeline composes the seven stages. The zero value derives with the
// default Concat stabilizer and no observer.
type Pipeline struct {
	// Stabilizer overrides the stage-2 policy. Nil means Concat.
	Stabilizer Stabilizer
	// Observer, when set, receives one Event per executed stage. It must not
	// block; it runs synchronously on the calling goroutine.
	Observer func(Event)
}

// HashSeed applies SHA-256 to the selected seed, producing the Ed25519
// private seed input.
func HashSeed(seed []byte) [sha256.Size]byte {
	return sha256.Sum256(seed)
}

// BiometricToDID runs the default pipeline. Equivalent to Pipeline{}.Run.
func BiometricToDID(container *Container, userID string) (Result, error) {
	return Pipeline{}.Run(container, userID)
}

// Run executes the full derivation. Failures surface unchanged with their
// stable kind; intermediate secret buffers are zeroed before return.
func (p Pipeline) Run(container *Container, userID string) (Result, error) {
	stabilizer := p.Stabilizer
	if stabilizer == nil {
		stabilizer = Concat{}
	}

	start := time.Now()
	template, err := ExtractTemplate(container)
	p.emit(StageIntake, start, err)
	if err != nil {
		return Result{}, err
	}

	start = time.Now()
	stabilized, err := stabilizer.Stabilize(template, userID)
	p.emit(StageStabilize, start, err)
	if err != nil {
		return Result{}, err
	}
	defer zeroBytes(stabilized)

	start = time.Now()
	seed, err := SelectSeed(stabilized)
	p.emit(StageSeed, start, err)
	if err != nil {
		return Result{}, err
	}
	defer zeroBytes(seed)

	start = time.Now()
	digest := HashSeed(seed)
	p.emit(StageHash, start, nil)
	privateSeed := digest[:]
	defer zeroBytes(privateSeed)

	start = time.Now()
	priv, pub, err := didkey.Derive(privateSeed)
	if errors.Is(err, didkey.ErrZeroSeed) {
		err = newError(KindInvalidSeed, "derived private seed is all zeros")
	}
	p.emit(StageDerive, start, err)
	if err != nil {
		return Result{}, err
	}
	defer zeroBytes(priv)

	start = time.Now()
	framed, err := didkey.Frame(pub)
	p.emit(StageFrame, start, err)
	if err != nil {
		return Result{}, err
	}

	start = time.Now()
	did, err := didkey.Assemble(framed)
	p.emit(StageAssemble, start, err)
	if err != nil {
		return Result{}, err
	}

	return Result{
		DID:           did,
		PrivateKeyHex: hex.EncodeToString(privateSeed),
		PublicKeyHex:  hex.EncodeToString(pub),
	}, nil
}

func (p Pipeline) emit(stage Stage, start time.Time, err error) {
	if p.Observer == nil {
		return
	}
	p.Observer(Event{Stage: stage, Err: err, Duration: time.Since(start)})
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
