package blind

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/nostring-labs/vault-core/internal/ccd"
	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/internal/musig"
)

// CosignerSession holds the co-signer's side of a blind ceremony: one
// internal/musig.Session per input, opened against the tweaked child key
// the owner disclosed. Each field is consumed exactly once by
// CosignerSignBlind; Go has no move semantics to enforce that at the type
// level, so callers must not reuse a session after signing.
type CosignerSession struct {
	SessionID string
	sessions  []*musig.Session
}

// CosignerRespondNonces verifies every tweak disclosure in req against
// cosignerPK before deriving the corresponding child private key, opens a
// musig.Session per input against ownerPubKey, and generates this party's
// round-1 nonces. merkleRoot is nil for a key-path-only vault and non-nil
// for an inheritable vault's Merkle-root tweak, matching the owner's side
// of the same ceremony.
func CosignerRespondNonces(cosignerSK *btcec.PrivateKey, cosignerPK *btcec.PublicKey, ownerPubKey *btcec.PublicKey, req NonceRequest, merkleRoot []byte) (NonceResponse, *CosignerSession, error) {
	if req.NumInputs == 0 || len(req.Tweaks) != req.NumInputs || len(req.OwnerPubNonces) != req.NumInputs {
		return NonceResponse{}, nil, ccderr.Policy("nonce request is malformed: input counts do not agree")
	}

	cosigner := &CosignerSession{
		SessionID: req.SessionID,
		sessions:  make([]*musig.Session, req.NumInputs),
	}

	pubNonces := make([]string, req.NumInputs)

	for i, t := range req.Tweaks {
		tweak, derivedPubKey, err := decodeTweak(t)
		if err != nil {
			return NonceResponse{}, nil, err
		}

		if !ccd.VerifyTweak(cosignerPK, tweak, derivedPubKey) {
			return NonceResponse{}, nil, ccderr.TweakVerificationFailed(i)
		}

		childSK, err := ccd.ApplyTweak(cosignerSK, tweak)
		if err != nil {
			return NonceResponse{}, nil, ccderr.Signing("failed to derive child key from disclosed tweak", err)
		}

		sess, err := musig.NewSession(childSK, ownerPubKey, merkleRoot)
		if err != nil {
			return NonceResponse{}, nil, ccderr.Signing("failed to open cosigner session", err)
		}
		if _, err := sess.GenerateNonces(); err != nil {
			return NonceResponse{}, nil, err
		}

		ownerNonce, err := decodeNonce(req.OwnerPubNonces[i])
		if err != nil {
			return NonceResponse{}, nil, err
		}
		sess.SetRemoteNonce(ownerNonce)
		if err := sess.InitSigningSession(); err != nil {
			return NonceResponse{}, nil, ccderr.Signing("failed to init cosigner signing session", err)
		}

		localNonce, err := sess.LocalPubNonce()
		if err != nil {
			return NonceResponse{}, nil, err
		}

		cosigner.sessions[i] = sess
		pubNonces[i] = encodeNonce(localNonce)
	}

	logger.Debug("cosigner responded to nonce request", "session", req.SessionID, "inputs", req.NumInputs)

	return NonceResponse{SessionID: req.SessionID, PubNonces: pubNonces}, cosigner, nil
}

// CosignerSignBlind signs only the opaque 32-byte sighashes carried in
// challenge; it never sees the PSBT or transaction that produced them. The
// underlying musig.Session enforces single-use nonces, so session must not
// be reused across two calls to this function.
func CosignerSignBlind(session *CosignerSession, challenge SignChallenge) (PartialSignatures, error) {
	if err := checkSession(session.SessionID, challenge.SessionID, len(session.sessions), len(challenge.Challenges)); err != nil {
		return PartialSignatures{}, err
	}

	partialSigs := make([]string, len(session.sessions))

	for i, sess := range session.sessions {
		sighashBytes, err := hex.DecodeString(challenge.Challenges[i].Sighash)
		if err != nil || len(sighashBytes) != chainhash.HashSize {
			return PartialSignatures{}, ccderr.Serialization("invalid sighash encoding", err)
		}
		var hash chainhash.Hash
		copy(hash[:], sighashBytes)

		partialSig, err := sess.Sign(&hash)
		if err != nil {
			return PartialSignatures{}, ccderr.Signing("cosigner partial sign failed", err)
		}
		partialSigs[i] = encodePartialSig(partialSig)
	}

	logger.Debug("cosigner produced partial signatures", "session", session.SessionID, "inputs", len(session.sessions))

	return PartialSignatures{SessionID: session.SessionID, PartialSigs: partialSigs}, nil
}

func decodeTweak(t SerializedTweak) (*btcec.ModNScalar, *btcec.PublicKey, error) {
	tweakBytes, err := hex.DecodeString(t.Tweak)
	if err != nil || len(tweakBytes) != 32 {
		return nil, nil, ccderr.Serialization("invalid tweak encoding", err)
	}
	var tb [32]byte
	copy(tb[:], tweakBytes)
	var tweak btcec.ModNScalar
	if overflow := tweak.SetBytes(&tb); overflow != 0 {
		return nil, nil, ccderr.TweakOutOfRange(nil)
	}

	pubKeyBytes, err := hex.DecodeString(t.DerivedPubKey)
	if err != nil {
		return nil, nil, ccderr.Serialization("invalid derived pubkey encoding", err)
	}
	derivedPubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return nil, nil, ccderr.Serialization("invalid derived pubkey", err)
	}

	return &tweak, derivedPubKey, nil
}

func encodePartialSig(sig *musig2.PartialSignature) string {
	sBytes := sig.S.Bytes()
	return hex.EncodeToString(sBytes[:])
}
