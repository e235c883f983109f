// Package blind implements the blind-signing protocol: a four-message,
// two-round MuSig2 ceremony in which the co-signer only ever sees the
// per-UTXO tweak disclosures and the opaque 32-byte sighashes it is asked to
// sign, never the PSBT or transaction itself. Built on internal/musig's
// Session (the same nonce-lifecycle machinery the plain vault ceremony
// uses), split across the message boundary a real two-party exchange
// requires.
package blind

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/pkg/logging"
)

var logger = logging.GetDefault().Component("blind")

var (
	ErrZeroInputs        = errors.New("blind: numInputs must be > 0")
	ErrSessionIDMismatch = errors.New("blind: session id does not match")
	ErrInputCountMismatch = errors.New("blind: message input count does not match session")
)

// SerializedTweak is the wire form of a ccd.TweakDisclosure: hex-encoded,
// no 0x prefix.
type SerializedTweak struct {
	Tweak         string `json:"tweak"`
	DerivedPubKey string `json:"derived_pubkey"`
	ChildIndex    uint32 `json:"child_index"`
}

// NonceRequest is the first protocol message, owner -> co-signer. It
// carries the per-input tweak disclosures the co-signer needs to derive its
// child signing keys, plus the owner's own round-1 public nonces (so the
// whole nonce exchange completes in one round trip and the co-signer's
// later SignChallenge carries only opaque sighashes plus a record of the
// combined nonces).
type NonceRequest struct {
	SessionID      string            `json:"session_id"`
	NumInputs      int               `json:"num_inputs"`
	Tweaks         []SerializedTweak `json:"tweaks"`
	OwnerPubNonces []string          `json:"owner_pub_nonces"`
}

// NonceResponse is the co-signer's reply: one public nonce per input, hex
// encoded.
type NonceResponse struct {
	SessionID string   `json:"session_id"`
	PubNonces []string `json:"pub_nonces"`
}

// InputChallenge is the per-input payload of a SignChallenge: the opaque
// sighash to sign, plus a hex record of the combined round-1 nonce material
// (owner nonce followed by co-signer nonce), which reveals nothing about the
// transaction that produced the sighash. CosignerSignBlind does not read or
// check CombinedNonces; it signs with the nonces cached in its session.
type InputChallenge struct {
	CombinedNonces string `json:"combined_nonces"`
	Sighash        string `json:"sighash"`
}

// SignChallenge is the second owner -> co-signer message: the privacy
// boundary. Everything the co-signer needs to produce its partial
// signatures is here, and none of it is the PSBT.
type SignChallenge struct {
	SessionID  string            `json:"session_id"`
	Challenges []InputChallenge  `json:"challenges"`
}

// PartialSignatures is the co-signer's final reply: one partial signature
// per input, hex encoded.
type PartialSignatures struct {
	SessionID   string   `json:"session_id"`
	PartialSigs []string `json:"partial_sigs"`
}

func newSessionID() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("blind: failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func checkSession(wantID string, gotID string, wantInputs, gotInputs int) error {
	if wantID != gotID {
		return &ccderr.Error{Kind: ccderr.KindPolicy, Input: -1, Msg: ErrSessionIDMismatch.Error(), Err: ErrSessionIDMismatch}
	}
	if wantInputs != gotInputs {
		return &ccderr.Error{Kind: ccderr.KindPolicy, Input: -1, Msg: ErrInputCountMismatch.Error(), Err: ErrInputCountMismatch}
	}
	return nil
}
