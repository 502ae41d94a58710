package pipeline

import "errors"

// Kind is the stable machine-readable class of a derivation failure. The
// string values are part of the API contract and never change; callers map
// them to user guidance or HTTP codes.
type Kind string

const (
	// KindInvalidTemplate marks a container that is null or structurally unusable.
	KindInvalidTemplate Kind = "InvalidTemplate"
	// KindMissingIsoTemplate marks an absent or empty iso_template_base64 field.
	KindMissingIsoTemplate Kind = "MissingIsoTemplate"
	// KindBase64Decode marks a template field that is not valid standard base64.
	KindBase64Decode Kind = "Base64DecodeError"
	// KindCorruptTemplate marks a decoded template below the 10-byte floor.
	KindCorruptTemplate Kind = "CorruptTemplate"
	// KindInsufficientMaterial marks a stabilized buffer shorter than the seed.
	KindInsufficientMaterial Kind = "InsufficientMaterial"
	// KindInvalidSeed marks an all-zero derived seed.
	KindInvalidSeed Kind = "InvalidSeed"
)

// Error is a derivation failure. Every failure raised by this package is an
// *Error; all are fatal to the invocation and none are retried internally.
// Messages never include template bytes, seeds, or user identifiers.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Msg
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// KindOf reports the failure kind carried by err. The second return is false
// when err did not originate from this package.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}
