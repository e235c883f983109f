// Package ccderr provides the typed error taxonomy shared across the vault
// packages. Lower-level packages raise plain sentinel errors (wrapped with
// %w as usual); at each package's public boundary those sentinels are
// folded into an *Error carrying a Kind so callers can switch on the
// failure category with errors.As without losing errors.Is compatibility
// with the original sentinel.
package ccderr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a vault-layer error.
type Kind int

const (
	KindUnknown Kind = iota
	KindHardenedIndex
	KindTweakOutOfRange
	KindInvalidPath
	KindTweakVerificationFailed
	KindSerialization
	KindPSBT
	KindSigning
	KindTaproot
	KindBackup
	KindPolicy
	KindNoHeirs
	KindDust
	KindInsufficientFunds
)

func (k Kind) String() string {
	switch k {
	case KindHardenedIndex:
		return "hardened_index"
	case KindTweakOutOfRange:
		return "tweak_out_of_range"
	case KindInvalidPath:
		return "invalid_path"
	case KindTweakVerificationFailed:
		return "tweak_verification_failed"
	case KindSerialization:
		return "serialization"
	case KindPSBT:
		return "psbt"
	case KindSigning:
		return "signing"
	case KindTaproot:
		return "taproot"
	case KindBackup:
		return "backup"
	case KindPolicy:
		return "policy"
	case KindNoHeirs:
		return "no_heirs"
	case KindDust:
		return "dust"
	case KindInsufficientFunds:
		return "insufficient_funds"
	default:
		return "unknown"
	}
}

// Error is the taxonomy-tagged error type returned at package boundaries.
type Error struct {
	Kind  Kind
	Input int // input/recovery index, -1 when not applicable
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Input >= 0 {
		return fmt.Sprintf("%s[%d]: %s", e.Kind, e.Input, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, input int, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Input: input, Msg: msg, Err: wrapped}
}

func HardenedIndex(index uint32) *Error {
	return newErr(KindHardenedIndex, -1, fmt.Sprintf("child index %d is hardened", index), nil)
}

func TweakOutOfRange(err error) *Error {
	return newErr(KindTweakOutOfRange, -1, "derived tweak is out of curve order range", err)
}

func InvalidPath(msg string) *Error {
	return newErr(KindInvalidPath, -1, msg, nil)
}

func TweakVerificationFailed(inputIndex int) *Error {
	return newErr(KindTweakVerificationFailed, inputIndex, "disclosed tweak does not match expected derived key", nil)
}

func Serialization(msg string, err error) *Error {
	return newErr(KindSerialization, -1, msg, err)
}

func PSBT(msg string, err error) *Error {
	return newErr(KindPSBT, -1, msg, err)
}

func Signing(msg string, err error) *Error {
	return newErr(KindSigning, -1, msg, err)
}

func Taproot(msg string, err error) *Error {
	return newErr(KindTaproot, -1, msg, err)
}

func Backup(msg string, err error) *Error {
	return newErr(KindBackup, -1, msg, err)
}

func Policy(msg string) *Error {
	return newErr(KindPolicy, -1, msg, nil)
}

func NoHeirs() *Error {
	return newErr(KindNoHeirs, -1, "at least one heir is required", nil)
}

func Dust(amount, limit int64) *Error {
	return newErr(KindDust, -1, fmt.Sprintf("output amount %d below dust limit %d", amount, limit), nil)
}

func InsufficientFunds(have, need int64) *Error {
	return newErr(KindInsufficientFunds, -1, fmt.Sprintf("have %d, need %d", have, need), nil)
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
