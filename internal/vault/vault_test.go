package vault

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nostring-labs/vault-core/internal/ccd"
	"github.com/nostring-labs/vault-core/internal/musig"
)

func testPrivKey(b byte) *btcec.PrivateKey {
	var buf [32]byte
	buf[31] = b
	buf[0] = 1
	sk, _ := btcec.PrivKeyFromBytes(buf[:])
	return sk
}

// TestCreateVaultMuSig2Deterministic is scenario E2: fixed inputs produce a
// bit-for-bit reproducible testnet address with the tb1p prefix, and a
// different address_index produces a different address.
func TestCreateVaultMuSig2Deterministic(t *testing.T) {
	ownerSK := testPrivKey(0x01)
	cosignerSK := testPrivKey(0x02)

	var cc ccd.ChainCode
	for i := range cc {
		cc[i] = 0xCC
	}
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc, Label: "e2"}

	v1, err := CreateVaultMuSig2(ownerSK.PubKey(), delegated, 0, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2: %v", err)
	}
	if !strings.HasPrefix(v1.Address.String(), "tb1p") {
		t.Errorf("expected tb1p-prefixed testnet taproot address, got %s", v1.Address.String())
	}

	v1Again, err := CreateVaultMuSig2(ownerSK.PubKey(), delegated, 0, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2 (repeat): %v", err)
	}
	if v1.Address.String() != v1Again.Address.String() {
		t.Errorf("expected repeat construction to yield the same address: %s != %s",
			v1.Address.String(), v1Again.Address.String())
	}

	v2, err := CreateVaultMuSig2(ownerSK.PubKey(), delegated, 1, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2(index=1): %v", err)
	}
	if v1.Address.String() == v2.Address.String() {
		t.Error("expected index 0 and index 1 to produce distinct addresses")
	}
}

func TestCreateVaultMuSig2DistinctAcrossChainCode(t *testing.T) {
	ownerSK := testPrivKey(0x01)
	cosignerSK := testPrivKey(0x02)

	var ccA, ccB ccd.ChainCode
	for i := range ccA {
		ccA[i] = 0xCC
		ccB[i] = 0xDD
	}
	delegatedA := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: ccA}
	delegatedB := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: ccB}

	vA, err := CreateVaultMuSig2(ownerSK.PubKey(), delegatedA, 0, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2(A): %v", err)
	}
	vB, err := CreateVaultMuSig2(ownerSK.PubKey(), delegatedB, 0, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2(B): %v", err)
	}
	if vA.Address.String() == vB.Address.String() {
		t.Error("expected distinct chain codes to produce distinct vault addresses")
	}
}

// TestKeyPathSelfSpend is scenario E3: fund a fake 10,000 sat UTXO at the
// vault address, build a self-spend PSBT with a 300 sat fee, run the
// two-party ceremony, and check the result: 1 input, 1 output of 9,700 sat,
// a single 64-byte witness element verifying under the vault's output key.
func TestKeyPathSelfSpend(t *testing.T) {
	ownerSK := testPrivKey(0x01)
	cosignerSK := testPrivKey(0x02)

	var cc ccd.ChainCode
	for i := range cc {
		cc[i] = 0xCC
	}
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc}

	v, err := CreateVaultMuSig2(ownerSK.PubKey(), delegated, 0, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2: %v", err)
	}

	pkScript, err := txscript.PayToAddrScript(v.Address)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}

	fakeOutpoint := wire.OutPoint{Index: 0}
	utxos := []UTXO{{OutPoint: fakeOutpoint, PkScript: pkScript, Value: 10_000}}
	destinations := []Destination{{Address: v.Address, Amount: 9_700}}

	// 10,000 sat input - 9,700 sat destination = 300 sat fee, no change output.
	pkt, tweaks, err := BuildSpendPSBT(v, utxos, destinations, 300, nil)
	if err != nil {
		t.Fatalf("BuildSpendPSBT: %v", err)
	}
	if len(tweaks) != 1 {
		t.Fatalf("expected 1 tweak, got %d", len(tweaks))
	}

	cosignerChildSK, err := ccd.ApplyTweak(cosignerSK, tweaks[0].Disclosure.Tweak)
	if err != nil {
		t.Fatalf("ApplyTweak: %v", err)
	}

	finalTx, err := RunSigningCeremony(ownerSK, cosignerChildSK, pkt)
	if err != nil {
		t.Fatalf("RunSigningCeremony: %v", err)
	}

	if len(finalTx.TxIn) != 1 {
		t.Fatalf("expected 1 input, got %d", len(finalTx.TxIn))
	}
	if len(finalTx.TxOut) != 1 || finalTx.TxOut[0].Value != 9_700 {
		t.Fatalf("expected 1 output of 9700 sat, got %+v", finalTx.TxOut)
	}
	witness := finalTx.TxIn[0].Witness
	if len(witness) != 1 || len(witness[0]) != 64 {
		t.Fatalf("expected single 64-byte witness element, got %v", witness)
	}

	sigHash, err := sighashForInput(pkt, 0)
	if err != nil {
		t.Fatalf("sighashForInput: %v", err)
	}
	sig, err := schnorr.ParseSignature(witness[0])
	if err != nil {
		t.Fatalf("parse final signature: %v", err)
	}
	if !musig.VerifySignature(sig, sigHash, v.OutputKey) {
		t.Fatal("final signature does not verify under the vault's Taproot output key")
	}
}

func TestBuildSpendPSBTRejectsInsufficientFunds(t *testing.T) {
	ownerSK := testPrivKey(0x01)
	cosignerSK := testPrivKey(0x02)
	var cc ccd.ChainCode
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc}
	v, err := CreateVaultMuSig2(ownerSK.PubKey(), delegated, 0, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2: %v", err)
	}

	utxos := []UTXO{{OutPoint: wire.OutPoint{Index: 0}, PkScript: nil, Value: 100}}
	dest := []Destination{{Address: v.Address, Amount: 1_000_000}}
	if _, _, err := BuildSpendPSBT(v, utxos, dest, 300, nil); err == nil {
		t.Fatal("expected insufficient-funds error")
	}
}

func TestBuildSpendPSBTRejectsEmptyUTXOs(t *testing.T) {
	ownerSK := testPrivKey(0x01)
	cosignerSK := testPrivKey(0x02)
	var cc ccd.ChainCode
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc}
	v, err := CreateVaultMuSig2(ownerSK.PubKey(), delegated, 0, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2: %v", err)
	}
	dest := []Destination{{Address: v.Address, Amount: 1000}}
	if _, _, err := BuildSpendPSBT(v, nil, dest, 300, nil); err != ErrNoUTXOs {
		t.Errorf("expected ErrNoUTXOs, got %v", err)
	}
}

// TestBuildSpendPSBTAddsSubDustChange confirms change is paid back to the
// vault whenever it is positive, even below DustLimit: an absolute fee
// already covers the cost of including it, so nothing should be silently
// burned to the miner.
func TestBuildSpendPSBTAddsSubDustChange(t *testing.T) {
	ownerSK := testPrivKey(0x01)
	cosignerSK := testPrivKey(0x02)
	var cc ccd.ChainCode
	delegated := ccd.DelegatedKey{CosignerPubKey: cosignerSK.PubKey(), ChainCode: cc}
	v, err := CreateVaultMuSig2(ownerSK.PubKey(), delegated, 0, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("CreateVaultMuSig2: %v", err)
	}

	utxos := []UTXO{{OutPoint: wire.OutPoint{Index: 0}, PkScript: nil, Value: 10_000}}
	dest := []Destination{{Address: v.Address, Amount: 9_700}}
	pkt, _, err := BuildSpendPSBT(v, utxos, dest, 200, nil)
	if err != nil {
		t.Fatalf("BuildSpendPSBT: %v", err)
	}

	// 10,000 - 9,700 - 200 = 100 sat change, well under DustLimit (546).
	if len(pkt.UnsignedTx.TxOut) != 2 {
		t.Fatalf("expected a change output even below dust, got %d outputs", len(pkt.UnsignedTx.TxOut))
	}
	if got := pkt.UnsignedTx.TxOut[1].Value; got != 100 {
		t.Errorf("change output = %d, want 100", got)
	}
}
