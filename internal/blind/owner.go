package blind

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nostring-labs/vault-core/internal/ccd"
	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/internal/musig"
)

// OwnerSession holds the owner's side of a blind signing ceremony: one
// internal/musig.Session per input, plus the state the three owner-side
// calls thread through.
type OwnerSession struct {
	SessionID  string
	merkleRoot []byte
	sessions   []*musig.Session
	ownerSK    *btcec.PrivateKey
	ownerSigs  []*musig2.PartialSignature
}

func encodeNonce(n [musig2.PubNonceSize]byte) string { return hex.EncodeToString(n[:]) }

func decodeNonce(s string) ([musig2.PubNonceSize]byte, error) {
	var out [musig2.PubNonceSize]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != musig2.PubNonceSize {
		return out, ccderr.Serialization("invalid public nonce encoding", err)
	}
	copy(out[:], b)
	return out, nil
}

// OwnerStartSession begins a blind ceremony: derives one per-input tweak
// disclosure, opens one MuSig2 session per input against the disclosed
// child key, and generates the owner's round-1 nonces. merkleRoot is nil
// for a plain key-path-only vault and non-nil for an inheritable vault's
// Merkle-root tweak.
func OwnerStartSession(ownerSK *btcec.PrivateKey, delegated ccd.DelegatedKey, childIndexes []uint32, merkleRoot []byte) (NonceRequest, *OwnerSession, error) {
	if len(childIndexes) == 0 {
		return NonceRequest{}, nil, ErrZeroInputs
	}

	sessionID, err := newSessionID()
	if err != nil {
		return NonceRequest{}, nil, err
	}

	owner := &OwnerSession{
		SessionID:  sessionID,
		merkleRoot: merkleRoot,
		sessions:   make([]*musig.Session, len(childIndexes)),
		ownerSK:    ownerSK,
		ownerSigs:  make([]*musig2.PartialSignature, len(childIndexes)),
	}

	tweaks := make([]SerializedTweak, len(childIndexes))
	ownerNonces := make([]string, len(childIndexes))

	for i, idx := range childIndexes {
		disc, err := ccd.ComputeTweak(delegated, idx)
		if err != nil {
			return NonceRequest{}, nil, err
		}

		sess, err := musig.NewSession(ownerSK, disc.DerivedPubKey, merkleRoot)
		if err != nil {
			return NonceRequest{}, nil, fmt.Errorf("blind: failed to open session for input %d: %w", i, err)
		}
		if _, err := sess.GenerateNonces(); err != nil {
			return NonceRequest{}, nil, err
		}
		nonce, err := sess.LocalPubNonce()
		if err != nil {
			return NonceRequest{}, nil, err
		}

		owner.sessions[i] = sess
		var tweakBytes [32]byte
		tb := disc.Tweak.Bytes()
		copy(tweakBytes[:], tb[:])
		tweaks[i] = SerializedTweak{
			Tweak:         hex.EncodeToString(tweakBytes[:]),
			DerivedPubKey: hex.EncodeToString(disc.DerivedPubKey.SerializeCompressed()),
			ChildIndex:    idx,
		}
		ownerNonces[i] = encodeNonce(nonce)
	}

	req := NonceRequest{
		SessionID:      sessionID,
		NumInputs:      len(childIndexes),
		Tweaks:         tweaks,
		OwnerPubNonces: ownerNonces,
	}
	return req, owner, nil
}

// sighashesForPacket computes the BIP-341 key-path sighash for every input
// of pkt, in order.
func sighashesForPacket(pkt *psbt.Packet) ([]*chainhash.Hash, error) {
	fetcherMap := make(map[wire.OutPoint]*wire.TxOut, len(pkt.Inputs))
	for i, in := range pkt.Inputs {
		fetcherMap[pkt.UnsignedTx.TxIn[i].PreviousOutPoint] = in.WitnessUtxo
	}
	fetcher := txscript.NewMultiPrevOutFetcher(fetcherMap)
	sigHashes := txscript.NewTxSigHashes(pkt.UnsignedTx, fetcher)

	out := make([]*chainhash.Hash, len(pkt.Inputs))
	for i := range pkt.Inputs {
		raw, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, pkt.UnsignedTx, i, fetcher)
		if err != nil {
			return nil, ccderr.Signing("failed to compute sighash", err)
		}
		h, err := chainhash.NewHash(raw)
		if err != nil {
			return nil, ccderr.Signing("failed to wrap sighash", err)
		}
		out[i] = h
	}
	return out, nil
}

// OwnerCreateChallenges is the privacy boundary: it reads pkt locally,
// computes every input's sighash, completes the round-1 nonce exchange, and
// signs locally — the co-signer only ever receives the resulting
// SignChallenge, never pkt itself.
func (owner *OwnerSession) OwnerCreateChallenges(resp NonceResponse, pkt *psbt.Packet) (SignChallenge, error) {
	if err := checkSession(owner.SessionID, resp.SessionID, len(owner.sessions), len(resp.PubNonces)); err != nil {
		return SignChallenge{}, err
	}
	if len(pkt.Inputs) != len(owner.sessions) {
		return SignChallenge{}, ccderr.Policy("psbt input count does not match session")
	}

	sighashes, err := sighashesForPacket(pkt)
	if err != nil {
		return SignChallenge{}, err
	}

	challenges := make([]InputChallenge, len(owner.sessions))
	for i, sess := range owner.sessions {
		cosignerNonce, err := decodeNonce(resp.PubNonces[i])
		if err != nil {
			return SignChallenge{}, err
		}
		sess.SetRemoteNonce(cosignerNonce)
		if err := sess.InitSigningSession(); err != nil {
			return SignChallenge{}, ccderr.Signing("failed to init owner signing session", err)
		}

		partialSig, err := sess.Sign(sighashes[i])
		if err != nil {
			return SignChallenge{}, ccderr.Signing("owner partial sign failed", err)
		}
		owner.ownerSigs[i] = partialSig

		ownerNonce, err := sess.LocalPubNonce()
		if err != nil {
			return SignChallenge{}, err
		}
		combined := append(append([]byte{}, ownerNonce[:]...), cosignerNonce[:]...)

		challenges[i] = InputChallenge{
			CombinedNonces: hex.EncodeToString(combined),
			Sighash:        hex.EncodeToString(sighashes[i][:]),
		}
	}

	return SignChallenge{SessionID: owner.SessionID, Challenges: challenges}, nil
}

// OwnerFinalize combines the co-signer's partial signatures with the
// owner's own (computed during OwnerCreateChallenges) and writes the
// resulting Schnorr signature into each input's witness, returning the
// finished transaction.
func (owner *OwnerSession) OwnerFinalize(cosignerPartials PartialSignatures, pkt *psbt.Packet) (*wire.MsgTx, error) {
	if err := checkSession(owner.SessionID, cosignerPartials.SessionID, len(owner.sessions), len(cosignerPartials.PartialSigs)); err != nil {
		return nil, err
	}
	if len(pkt.Inputs) != len(owner.sessions) {
		return nil, ccderr.Policy("psbt input count does not match session")
	}

	sighashes, err := sighashesForPacket(pkt)
	if err != nil {
		return nil, err
	}

	for i, sess := range owner.sessions {
		if owner.ownerSigs[i] == nil {
			return nil, ccderr.Policy("owner has not yet produced a partial signature for this input; call OwnerCreateChallenges first")
		}

		remote, err := parsePartialSig(cosignerPartials.PartialSigs[i])
		if err != nil {
			return nil, err
		}

		finalSig, err := sess.CombineSignatures(remote)
		if err != nil {
			return nil, ccderr.Signing("failed to combine signatures", err)
		}

		outputKey := sess.OutputKey()
		if !musig.VerifySignature(finalSig, sighashes[i], outputKey) {
			return nil, ccderr.Signing("final signature failed verification", nil)
		}

		pkt.UnsignedTx.TxIn[i].Witness = wire.TxWitness{finalSig.Serialize()}
	}

	return pkt.UnsignedTx, nil
}

func parsePartialSig(hexSig string) (*musig2.PartialSignature, error) {
	sigBytes, err := hex.DecodeString(hexSig)
	if err != nil || len(sigBytes) != 32 {
		return nil, ccderr.Serialization("invalid partial signature encoding", err)
	}
	var sBytes [32]byte
	copy(sBytes[:], sigBytes)
	var sScalar btcec.ModNScalar
	sScalar.SetBytes(&sBytes)
	return &musig2.PartialSignature{S: &sScalar}, nil
}
