package blind

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nostring-labs/vault-core/internal/ccd"
	"github.com/nostring-labs/vault-core/internal/musig"
	"github.com/nostring-labs/vault-core/internal/vault"
)

func testPrivKey(b byte) *btcec.PrivateKey {
	var buf [32]byte
	buf[31] = b
	buf[0] = 1
	sk, _ := btcec.PrivKeyFromBytes(buf[:])
	return sk
}

// buildFundedPacket builds a single-input, single-output unsigned PSBT
// spending a fake UTXO sitting at v's address.
func buildFundedPacket(t *testing.T, v *vault.MuSig2Vault) *psbt.Packet {
	t.Helper()
	pkScript, err := txscript.PayToAddrScript(v.Address)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(9_000, pkScript))

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		t.Fatalf("NewFromUnsignedTx: %v", err)
	}
	pkt.Inputs[0].WitnessUtxo = &wire.TxOut{Value: 10_000, PkScript: pkScript}
	pkt.Inputs[0].TaprootInternalKey = schnorr.SerializePubKey(v.InternalKey)
	return pkt
}

// TestBlindCeremonyMatchesLocalCeremony is testable property 9: a blind
// ceremony run over a channel of four opaque messages produces a signature
// that verifies under the same output key a local (non-blind) ceremony
// would produce, over the same inputs, and the co-signer in the blind path
// never sees anything but tweak disclosures and a 32-byte sighash.
func TestBlindCeremonyMatchesLocalCeremony(t *testing.T) {
	ownerSK := testPrivKey(0x01)
	cosignerSK := testPrivKey(0x02)

	var cc ccd.ChainCode
	for i := range cc {
		cc[i] = 0xAB
	}
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc}

	v, err := vault.CreateVaultMuSig2(ownerSK.PubKey(), delegated, 0, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2: %v", err)
	}

	pkt := buildFundedPacket(t, v)

	nonceReq, ownerSess, err := OwnerStartSession(ownerSK, delegated, []uint32{0}, nil)
	if err != nil {
		t.Fatalf("OwnerStartSession: %v", err)
	}

	nonceResp, cosignerSess, err := CosignerRespondNonces(cosignerSK, cosignerSK.PubKey(), ownerSK.PubKey(), nonceReq, nil)
	if err != nil {
		t.Fatalf("CosignerRespondNonces: %v", err)
	}

	challenge, err := ownerSess.OwnerCreateChallenges(nonceResp, pkt)
	if err != nil {
		t.Fatalf("OwnerCreateChallenges: %v", err)
	}

	// The co-signer's only inputs from here are challenge.Challenges: opaque
	// 32-byte sighashes and combined-nonce hex strings. Confirm it was never
	// handed anything resembling a PSBT or transaction field.
	if len(challenge.Challenges) != 1 {
		t.Fatalf("expected 1 challenge, got %d", len(challenge.Challenges))
	}
	if len(challenge.Challenges[0].Sighash) != 64 { // 32 bytes hex-encoded
		t.Errorf("expected a 32-byte hex sighash, got %d hex chars", len(challenge.Challenges[0].Sighash))
	}

	partials, err := CosignerSignBlind(cosignerSess, challenge)
	if err != nil {
		t.Fatalf("CosignerSignBlind: %v", err)
	}

	finalTx, err := ownerSess.OwnerFinalize(partials, pkt)
	if err != nil {
		t.Fatalf("OwnerFinalize: %v", err)
	}

	witness := finalTx.TxIn[0].Witness
	if len(witness) != 1 || len(witness[0]) != 64 {
		t.Fatalf("expected a single 64-byte witness element, got %v", witness)
	}
	sig, err := schnorr.ParseSignature(witness[0])
	if err != nil {
		t.Fatalf("parse final signature: %v", err)
	}

	fetcherMap := map[wire.OutPoint]*wire.TxOut{
		pkt.UnsignedTx.TxIn[0].PreviousOutPoint: pkt.Inputs[0].WitnessUtxo,
	}
	fetcher := txscript.NewMultiPrevOutFetcher(fetcherMap)
	sigHashes := txscript.NewTxSigHashes(pkt.UnsignedTx, fetcher)
	rawSigHash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, pkt.UnsignedTx, 0, fetcher)
	if err != nil {
		t.Fatalf("CalcTaprootSignatureHash: %v", err)
	}
	sigHash, err := chainhash.NewHash(rawSigHash)
	if err != nil {
		t.Fatalf("chainhash.NewHash: %v", err)
	}

	if !musig.VerifySignature(sig, sigHash, v.OutputKey) {
		t.Fatal("blind ceremony's final signature does not verify under the vault's output key")
	}
}

func TestOwnerStartSessionRejectsZeroInputs(t *testing.T) {
	ownerSK := testPrivKey(0x03)
	cosignerSK := testPrivKey(0x04)
	var cc ccd.ChainCode
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc}
	if _, _, err := OwnerStartSession(ownerSK, delegated, nil, nil); err != ErrZeroInputs {
		t.Errorf("expected ErrZeroInputs, got %v", err)
	}
}

func TestCosignerRespondNoncesDetectsTamperedTweak(t *testing.T) {
	ownerSK := testPrivKey(0x05)
	cosignerSK := testPrivKey(0x06)
	var cc ccd.ChainCode
	for i := range cc {
		cc[i] = 0x11
	}
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc}

	nonceReq, _, err := OwnerStartSession(ownerSK, delegated, []uint32{0}, nil)
	if err != nil {
		t.Fatalf("OwnerStartSession: %v", err)
	}

	// Tamper by pairing index 0's tweak with index 1's derived pubkey: the
	// tweak and derived key no longer belong together, so VerifyTweak must
	// reject it regardless of either value being independently well-formed.
	tamperedReq, _, err := OwnerStartSession(ownerSK, delegated, []uint32{1}, nil)
	if err != nil {
		t.Fatalf("OwnerStartSession(1): %v", err)
	}
	nonceReq.Tweaks[0].DerivedPubKey = tamperedReq.Tweaks[0].DerivedPubKey

	if _, _, err := CosignerRespondNonces(cosignerSK, cosignerSK.PubKey(), ownerSK.PubKey(), nonceReq, nil); err == nil {
		t.Fatal("expected CosignerRespondNonces to reject a tampered tweak disclosure")
	}
}

func TestCheckSessionMismatch(t *testing.T) {
	if err := checkSession("a", "b", 1, 1); err == nil {
		t.Error("expected session id mismatch to error")
	}
	if err := checkSession("a", "a", 1, 2); err == nil {
		t.Error("expected input count mismatch to error")
	}
	if err := checkSession("a", "a", 1, 1); err != nil {
		t.Errorf("expected matching session to pass, got %v", err)
	}
}
