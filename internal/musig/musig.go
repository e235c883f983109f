// Package musig wraps BIP-327 MuSig2 two-party aggregation over BIP-341
// Taproot for the vault signing ceremonies. The nonce-lifecycle state
// machine (track every nonce ever generated, refuse to sign twice with the
// same one, invalidate the session after a signature is produced) is
// carried over from the swap coordinator's MuSig2 session, generalized
// away from swap-specific fields.
package musig

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/nostring-labs/vault-core/pkg/helpers"
	"github.com/nostring-labs/vault-core/pkg/logging"
)

var (
	ErrNonceNotSet        = errors.New("nonce not set")
	ErrSessionNotReady    = errors.New("session not ready for signing")
	ErrSigningFailed      = errors.New("signing failed")
	ErrNonceAlreadyUsed   = errors.New("nonce already used - generate new nonces")
	ErrNonceReuse         = errors.New("attempted nonce reuse detected")
	ErrSessionInvalidated = errors.New("session invalidated after signing")
	ErrInvalidPubKey      = errors.New("invalid public key")
	ErrKeyAggFailed       = errors.New("key aggregation failed")
)

var logger = logging.GetDefault().Component("musig")

// Session holds the state for one party's side of a two-party MuSig2
// signing ceremony over a single message. Fresh nonces are required per
// message signed.
//
// SECURITY: reusing a nonce across two different signatures leaks the
// private key. usedNonces/nonceUsed/invalidated exist purely to make that
// mistake structurally hard to make, mirroring the swap coordinator's
// MuSig2 session.
type Session struct {
	localPrivKey *btcec.PrivateKey
	localPubKey  *btcec.PublicKey
	remotePubKey *btcec.PublicKey

	aggregatedKey *musig2.AggregateKey

	localNonces    *musig2.Nonces
	remoteNonce    [musig2.PubNonceSize]byte
	hasRemoteNonce bool

	usedNonces  map[[musig2.PubNonceSize]byte]bool
	nonceUsed   bool
	invalidated bool

	signCtx     *musig2.Context
	signSession *musig2.Session

	merkleRoot []byte // non-nil only when the vault commits a script tree
}

// NewSession creates a two-party MuSig2 session between localPrivKey and
// remotePubKey and aggregates their keys. merkleRoot is nil for a key-path
// only vault (BIP-86 style tweak); non-nil for an inheritable vault whose
// output commits to a Tapscript tree.
func NewSession(localPrivKey *btcec.PrivateKey, remotePubKey *btcec.PublicKey, merkleRoot []byte) (*Session, error) {
	if localPrivKey == nil || remotePubKey == nil {
		return nil, ErrInvalidPubKey
	}

	s := &Session{
		localPrivKey: localPrivKey,
		localPubKey:  localPrivKey.PubKey(),
		remotePubKey: remotePubKey,
		usedNonces:   make(map[[musig2.PubNonceSize]byte]bool),
		merkleRoot:   merkleRoot,
	}

	aggKey, err := KeyAgg(merkleRoot, s.localPubKey, remotePubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate keys: %w", err)
	}
	s.aggregatedKey = aggKey
	return s, nil
}

// KeyAgg aggregates the given public keys (sorted internally so both
// parties agree regardless of call order) and, when merkleRoot is non-nil,
// applies the Taproot script-tree tweak; otherwise applies the BIP-86
// unspendable-internal-key tweak.
func KeyAgg(merkleRoot []byte, keys ...*btcec.PublicKey) (*musig2.AggregateKey, error) {
	if len(keys) < 2 {
		return nil, ErrInvalidPubKey
	}

	var opts []musig2.KeyAggOption
	if merkleRoot != nil {
		opts = append(opts, musig2.WithTaprootKeyTweak(merkleRoot))
	} else {
		opts = append(opts, musig2.WithBIP86KeyTweak())
	}

	aggKey, _, _, err := musig2.AggregateKeys(keys, true, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAggFailed, err)
	}
	return aggKey, nil
}

// KeyAggUntweaked aggregates keys without applying any Taproot tweak. Used
// when the caller needs the bare internal key before deciding what (if any)
// script-tree root to tweak it with.
func KeyAggUntweaked(keys ...*btcec.PublicKey) (*musig2.AggregateKey, error) {
	if len(keys) < 2 {
		return nil, ErrInvalidPubKey
	}
	aggKey, _, _, err := musig2.AggregateKeys(keys, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAggFailed, err)
	}
	return aggKey, nil
}

// GenerateNonces produces fresh local nonces, invalidating any prior nonce
// first.
func (s *Session) GenerateNonces() (*musig2.Nonces, error) {
	if s.localNonces != nil {
		s.usedNonces[s.localNonces.PubNonce] = true
	}
	s.nonceUsed = false
	s.invalidated = false

	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.localPubKey))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonces: %w", err)
	}
	if s.usedNonces[nonces.PubNonce] {
		return nil, fmt.Errorf("%w: regenerated a previously used nonce", ErrNonceReuse)
	}
	s.localNonces = nonces
	return nonces, nil
}

// LocalPubNonce returns this party's public nonce to send to the peer.
func (s *Session) LocalPubNonce() ([musig2.PubNonceSize]byte, error) {
	if s.localNonces == nil {
		return [musig2.PubNonceSize]byte{}, ErrNonceNotSet
	}
	return s.localNonces.PubNonce, nil
}

// SetRemoteNonce records the peer's public nonce.
func (s *Session) SetRemoteNonce(nonce [musig2.PubNonceSize]byte) {
	s.remoteNonce = nonce
	s.hasRemoteNonce = true
}

// InitSigningSession must be called after both nonces are known and before
// Sign.
func (s *Session) InitSigningSession() error {
	if s.localNonces == nil || !s.hasRemoteNonce {
		return ErrNonceNotSet
	}
	if s.aggregatedKey == nil {
		return ErrKeyAggFailed
	}

	allPubKeys := []*btcec.PublicKey{s.localPubKey, s.remotePubKey}
	if helpers.CompareBytes(s.localPubKey.SerializeCompressed(), s.remotePubKey.SerializeCompressed()) > 0 {
		allPubKeys = []*btcec.PublicKey{s.remotePubKey, s.localPubKey}
	}

	ctxOpts := []musig2.ContextOption{musig2.WithKnownSigners(allPubKeys)}
	if s.merkleRoot != nil {
		ctxOpts = append(ctxOpts, musig2.WithTaprootTweakCtx(s.merkleRoot))
	} else {
		ctxOpts = append(ctxOpts, musig2.WithBip86TweakCtx())
	}

	ctx, err := musig2.NewContext(s.localPrivKey, false, ctxOpts...)
	if err != nil {
		return fmt.Errorf("failed to create signing context: %w", err)
	}
	s.signCtx = ctx

	session, err := ctx.NewSession(musig2.WithPreGeneratedNonce(s.localNonces))
	if err != nil {
		return fmt.Errorf("failed to create signing session: %w", err)
	}
	if _, err := session.RegisterPubNonce(s.remoteNonce); err != nil {
		return fmt.Errorf("failed to register remote nonce: %w", err)
	}
	s.signSession = session
	return nil
}

// Sign produces this party's partial signature over msgHash. A Session
// signs at most once; call GenerateNonces and InitSigningSession again for
// a subsequent message.
func (s *Session) Sign(msgHash *chainhash.Hash) (*musig2.PartialSignature, error) {
	if s.signSession == nil {
		return nil, ErrSessionNotReady
	}
	if s.invalidated {
		return nil, ErrSessionInvalidated
	}
	if s.nonceUsed {
		return nil, ErrNonceAlreadyUsed
	}
	if s.localNonces != nil && s.usedNonces[s.localNonces.PubNonce] {
		return nil, ErrNonceReuse
	}

	partialSig, err := s.signSession.Sign(*msgHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	s.nonceUsed = true
	if s.localNonces != nil {
		s.usedNonces[s.localNonces.PubNonce] = true
	}
	s.invalidated = true

	return partialSig, nil
}

// CombineSignatures folds the peer's partial signature into this session,
// returning the final 64-byte Schnorr signature once both sides have
// contributed.
func (s *Session) CombineSignatures(remote *musig2.PartialSignature) (*schnorr.Signature, error) {
	if s.signSession == nil {
		return nil, ErrSessionNotReady
	}
	haveFinal, err := s.signSession.CombineSig(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to combine signatures: %w", err)
	}
	if !haveFinal {
		return nil, errors.New("not enough signatures to finalize")
	}
	return s.signSession.FinalSig(), nil
}

// OutputKey returns the Taproot output key this session's key aggregation
// produces (already tweaked per merkleRoot at construction time).
func (s *Session) OutputKey() *btcec.PublicKey {
	if s.aggregatedKey == nil {
		return nil
	}
	return s.aggregatedKey.FinalKey
}

// Reset discards the current nonce/session state so the Session can be
// reused for signing a different message (e.g. the next PSBT input),
// sharing the same key aggregation.
func (s *Session) Reset() {
	s.signCtx = nil
	s.signSession = nil
	s.hasRemoteNonce = false
	s.remoteNonce = [musig2.PubNonceSize]byte{}
}

// VerifySignature checks sig against msgHash under outputKey.
func VerifySignature(sig *schnorr.Signature, msgHash *chainhash.Hash, outputKey *btcec.PublicKey) bool {
	if sig == nil || outputKey == nil {
		return false
	}
	return sig.Verify(msgHash[:], outputKey)
}
