package musig

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

func testPrivKey(b byte) *btcec.PrivateKey {
	var buf [32]byte
	buf[31] = b
	buf[0] = 1
	sk, _ := btcec.PrivKeyFromBytes(buf[:])
	return sk
}

func testMessage(tag string) *chainhash.Hash {
	sum := sha256.Sum256([]byte(tag))
	h, _ := chainhash.NewHash(sum[:])
	return h
}

// runCeremony drives a full two-party MuSig2 round over msgHash using a and
// b's sessions (already constructed with a shared merkleRoot) and returns
// the final signature.
func runCeremony(t *testing.T, a, b *Session, msgHash *chainhash.Hash) *schnorr.Signature {
	t.Helper()
	if _, err := a.GenerateNonces(); err != nil {
		t.Fatalf("a.GenerateNonces: %v", err)
	}
	if _, err := b.GenerateNonces(); err != nil {
		t.Fatalf("b.GenerateNonces: %v", err)
	}
	aNonce, err := a.LocalPubNonce()
	if err != nil {
		t.Fatalf("a.LocalPubNonce: %v", err)
	}
	bNonce, err := b.LocalPubNonce()
	if err != nil {
		t.Fatalf("b.LocalPubNonce: %v", err)
	}
	a.SetRemoteNonce(bNonce)
	b.SetRemoteNonce(aNonce)

	if err := a.InitSigningSession(); err != nil {
		t.Fatalf("a.InitSigningSession: %v", err)
	}
	if err := b.InitSigningSession(); err != nil {
		t.Fatalf("b.InitSigningSession: %v", err)
	}

	aPartial, err := a.Sign(msgHash)
	if err != nil {
		t.Fatalf("a.Sign: %v", err)
	}
	bPartial, err := b.Sign(msgHash)
	if err != nil {
		t.Fatalf("b.Sign: %v", err)
	}

	final, err := a.CombineSignatures(bPartial)
	if err != nil {
		t.Fatalf("a.CombineSignatures: %v", err)
	}
	if _, err := b.CombineSignatures(aPartial); err != nil {
		t.Fatalf("b.CombineSignatures: %v", err)
	}
	return final
}

// TestMuSig2ProducesValidSchnorr is testable property 4: for any ordered
// (pk_a, pk_b) and message m, a correctly executed ceremony produces a
// signature that verifies under the BIP-86-tweaked aggregate output key.
func TestMuSig2ProducesValidSchnorr(t *testing.T) {
	skA := testPrivKey(1)
	skB := testPrivKey(2)

	a, err := NewSession(skA, skB.PubKey(), nil)
	if err != nil {
		t.Fatalf("NewSession a: %v", err)
	}
	b, err := NewSession(skB, skA.PubKey(), nil)
	if err != nil {
		t.Fatalf("NewSession b: %v", err)
	}

	msgHash := testMessage("musig2-basic")
	final := runCeremony(t, a, b, msgHash)

	if !VerifySignature(final, msgHash, a.OutputKey()) {
		t.Fatal("final signature does not verify under the aggregate output key")
	}
}

// TestMuSig2KeyAggOrderIndependent verifies that KeyAgg sorts internally so
// the aggregate (and thus the ceremony's output key) is the same regardless
// of which order the caller supplies the two pubkeys in.
func TestMuSig2KeyAggOrderIndependent(t *testing.T) {
	skA := testPrivKey(3)
	skB := testPrivKey(4)

	aggAB, err := KeyAgg(nil, skA.PubKey(), skB.PubKey())
	if err != nil {
		t.Fatalf("KeyAgg(a,b): %v", err)
	}
	aggBA, err := KeyAgg(nil, skB.PubKey(), skA.PubKey())
	if err != nil {
		t.Fatalf("KeyAgg(b,a): %v", err)
	}
	if !aggAB.FinalKey.IsEqual(aggBA.FinalKey) {
		t.Error("expected the same aggregate key regardless of input pubkey order")
	}
}

// TestMuSig2TaprootTweakedHitsOutputKey is testable property 5: a
// Merkle-root-tweaked ceremony produces a signature that verifies under
// tap_tweak(internal, merkleRoot), not the bare untweaked aggregate.
func TestMuSig2TaprootTweakedHitsOutputKey(t *testing.T) {
	skA := testPrivKey(5)
	skB := testPrivKey(6)

	merkleRoot := sha256Of("fake-merkle-root")

	a, err := NewSession(skA, skB.PubKey(), merkleRoot)
	if err != nil {
		t.Fatalf("NewSession a: %v", err)
	}
	b, err := NewSession(skB, skA.PubKey(), merkleRoot)
	if err != nil {
		t.Fatalf("NewSession b: %v", err)
	}

	msgHash := testMessage("musig2-tweaked")
	final := runCeremony(t, a, b, msgHash)

	internalAgg, err := KeyAggUntweaked(skA.PubKey(), skB.PubKey())
	if err != nil {
		t.Fatalf("KeyAggUntweaked: %v", err)
	}
	wantOutputKey := txscript.ComputeTaprootOutputKey(internalAgg.FinalKey, merkleRoot)

	if !VerifySignature(final, msgHash, wantOutputKey) {
		t.Fatal("signature does not verify under tap_tweak(internal, merkleRoot)")
	}
	if !a.OutputKey().IsEqual(wantOutputKey) {
		t.Error("session's OutputKey() does not match the independently computed Taproot output key")
	}
}

// TestSignWithoutInitFails guards the nonce/session lifecycle: Sign before
// InitSigningSession must fail rather than panic or silently succeed.
func TestSignWithoutInitFails(t *testing.T) {
	skA := testPrivKey(13)
	skB := testPrivKey(14)
	a, err := NewSession(skA, skB.PubKey(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := a.GenerateNonces(); err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	if _, err := a.Sign(testMessage("no-init")); err == nil {
		t.Fatal("expected Sign to fail before InitSigningSession")
	}
}

// TestSignTwiceWithoutFreshNonceFails is the structural single-use nonce
// guarantee: once a session has signed, signing again without a fresh
// GenerateNonces+InitSigningSession call must fail.
func TestSignTwiceWithoutFreshNonceFails(t *testing.T) {
	skA := testPrivKey(15)
	skB := testPrivKey(16)
	a, err := NewSession(skA, skB.PubKey(), nil)
	if err != nil {
		t.Fatalf("NewSession a: %v", err)
	}
	b, err := NewSession(skB, skA.PubKey(), nil)
	if err != nil {
		t.Fatalf("NewSession b: %v", err)
	}

	msgHash := testMessage("reuse-check")
	_ = runCeremony(t, a, b, msgHash)

	if _, err := a.Sign(msgHash); err == nil {
		t.Fatal("expected second Sign call on the same session to fail")
	}
}

func sha256Of(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}
