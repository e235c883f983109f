// Package vault implements the CCD vault layer: combining chain-code
// delegation (internal/ccd) with MuSig2 (internal/musig) to produce a
// deterministic 2-of-2 Taproot address, build spend PSBTs, and run the
// in-process two-party signing ceremony.
package vault

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nostring-labs/vault-core/internal/ccd"
	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/internal/musig"
	"github.com/nostring-labs/vault-core/pkg/logging"
)

// DustLimit is the minimum non-dust output value, in satoshis, matching
// Bitcoin Core's default relay policy for a P2TR output.
const DustLimit = 546

var (
	ErrNoUTXOs              = errors.New("vault: no UTXOs provided")
	ErrNoDestinations       = errors.New("vault: no destinations provided")
	ErrInsufficientFunds    = errors.New("vault: insufficient funds for outputs and fee")
	ErrMismatchedInputs     = errors.New("vault: tweak count does not match PSBT input count")
	ErrInputIndexOutOfRange = errors.New("vault: input index out of range")
)

var logger = logging.GetDefault().Component("vault")

// Vault is a plain-addition (non-MuSig2) 2-of-2 Taproot vault: the internal
// key is ownerPubKey + cosignerDerivedPubKey, and the address's output key
// is that internal key with the BIP-341 tweak for an empty script tree.
// Kept for API parity with the MuSig2 vault and for tests that
// don't require full MuSig2 aggregation.
type Vault struct {
	OwnerPubKey            *btcec.PublicKey
	Delegated              ccd.DelegatedKey
	AddressIndex           uint32
	CosignerDerivedPubKey  *btcec.PublicKey
	InternalKey            *btcec.PublicKey
	Address                btcutil.Address
	Network                *chaincfg.Params
}

// MuSig2Vault is the primary vault variant: the output key is the MuSig2
// aggregate of the owner's static key and the co-signer's per-index derived
// key, BIP-86-tweaked (key-path only spend).
type MuSig2Vault struct {
	OwnerPubKey           *btcec.PublicKey
	Delegated             ccd.DelegatedKey
	AddressIndex          uint32
	CosignerDerivedPubKey *btcec.PublicKey
	InternalKey           *btcec.PublicKey // untweaked MuSig2 aggregate
	OutputKey             *btcec.PublicKey // BIP-86-tweaked output key
	Address               btcutil.Address
	Network               *chaincfg.Params
}

// InputTweak is the per-input tweak disclosure the owner hands the
// co-signer at signing time so it can derive its child key for that one
// UTXO without learning the chain code.
type InputTweak struct {
	InputIndex int
	Disclosure ccd.TweakDisclosure
}

// UTXO describes a vault output being spent.
type UTXO struct {
	OutPoint wire.OutPoint
	PkScript []byte
	Value    int64
}

// Destination is a spend-PSBT output request.
type Destination struct {
	Address btcutil.Address
	Amount  int64
}

// CreateVault derives the co-signer's child key for addressIndex and builds
// the plain-addition vault address.
func CreateVault(ownerPubKey *btcec.PublicKey, delegated ccd.DelegatedKey, addressIndex uint32, network *chaincfg.Params) (*Vault, error) {
	disc, err := ccd.ComputeTweak(delegated, addressIndex)
	if err != nil {
		return nil, err
	}

	internalKey, err := ccd.AggregateTaprootKey(ownerPubKey, disc.DerivedPubKey)
	if err != nil {
		return nil, err
	}

	outputKey := txscript.ComputeTaprootOutputKey(internalKey, nil)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), network)
	if err != nil {
		return nil, fmt.Errorf("failed to derive taproot address: %w", err)
	}

	logger.Debug("created plain ccd vault", "index", addressIndex, "address", addr.String())

	return &Vault{
		OwnerPubKey:           ownerPubKey,
		Delegated:             delegated,
		AddressIndex:          addressIndex,
		CosignerDerivedPubKey: disc.DerivedPubKey,
		InternalKey:           internalKey,
		Address:               addr,
		Network:               network,
	}, nil
}

// CreateVaultMuSig2 derives the co-signer's child key for addressIndex and
// builds the MuSig2-aggregated, BIP-86-tweaked vault address. This is the
// vault variant used by the standard signing ceremony.
func CreateVaultMuSig2(ownerPubKey *btcec.PublicKey, delegated ccd.DelegatedKey, addressIndex uint32, network *chaincfg.Params) (*MuSig2Vault, error) {
	disc, err := ccd.ComputeTweak(delegated, addressIndex)
	if err != nil {
		return nil, err
	}

	internalAgg, err := musig.KeyAggUntweaked(ownerPubKey, disc.DerivedPubKey)
	if err != nil {
		return nil, ccderr.Taproot("untweaked key aggregation failed", err)
	}
	tweakedAgg, err := musig.KeyAgg(nil, ownerPubKey, disc.DerivedPubKey)
	if err != nil {
		return nil, ccderr.Taproot("tweaked key aggregation failed", err)
	}

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(tweakedAgg.FinalKey), network)
	if err != nil {
		return nil, fmt.Errorf("failed to derive taproot address: %w", err)
	}

	logger.Debug("created musig2 ccd vault", "index", addressIndex, "address", addr.String())

	return &MuSig2Vault{
		OwnerPubKey:           ownerPubKey,
		Delegated:             delegated,
		AddressIndex:          addressIndex,
		CosignerDerivedPubKey: disc.DerivedPubKey,
		InternalKey:           internalAgg.FinalKey,
		OutputKey:             tweakedAgg.FinalKey,
		Address:               addr,
		Network:               network,
	}, nil
}

// BuildSpendPSBT assembles an unsigned PSBT spending the given vault UTXOs
// to destinations, with any leftover paid to changeAddress (or back to the
// vault's own address when changeAddress is nil). fee is the absolute
// total transaction fee in satoshis, decided by the caller (which has the
// actual vsize and a chosen fee rate); this function does not estimate it.
// Every input is assumed to belong to the same vault/address index and
// therefore shares a single InputTweak.
func BuildSpendPSBT(vault *MuSig2Vault, utxos []UTXO, destinations []Destination, fee btcutil.Amount, changeAddress btcutil.Address) (*psbt.Packet, []InputTweak, error) {
	if len(utxos) == 0 {
		return nil, nil, ErrNoUTXOs
	}
	if len(destinations) == 0 {
		return nil, nil, ErrNoDestinations
	}

	tx := wire.NewMsgTx(2)

	var totalIn int64
	for _, u := range utxos {
		tx.AddTxIn(wire.NewTxIn(&u.OutPoint, nil, nil))
		totalIn += u.Value
	}

	var totalOut int64
	for _, d := range destinations {
		script, err := txscript.PayToAddrScript(d.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid destination address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(d.Amount, script))
		totalOut += d.Amount
	}

	feeSats := int64(fee)
	if totalIn < totalOut+feeSats {
		return nil, nil, fmt.Errorf("%w: have %d, need %d (outputs %d + fee %d)",
			ErrInsufficientFunds, totalIn, totalOut+feeSats, totalOut, feeSats)
	}

	change := totalIn - totalOut - feeSats
	if change > 0 {
		changeAddr := changeAddress
		if changeAddr == nil {
			changeAddr = vault.Address
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, nil, ccderr.PSBT("failed to build psbt", err)
	}

	disc, err := ccd.ComputeTweak(vault.Delegated, vault.AddressIndex)
	if err != nil {
		return nil, nil, err
	}

	tweaks := make([]InputTweak, len(utxos))
	for i, u := range utxos {
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{Value: u.Value, PkScript: u.PkScript}
		internalKeyBytes := schnorr.SerializePubKey(vault.InternalKey)
		packet.Inputs[i].TaprootInternalKey = internalKeyBytes
		tweaks[i] = InputTweak{InputIndex: i, Disclosure: disc}
	}

	logger.Debug("built spend psbt", "inputs", len(utxos), "outputs", len(destinations), "fee", feeSats)

	return packet, tweaks, nil
}

// prevOutFetcher builds a txscript.PrevOutputFetcher covering every input
// of the unsigned transaction carried by packet.
func prevOutFetcher(packet *psbt.Packet) txscript.PrevOutputFetcher {
	fetcherMap := make(map[wire.OutPoint]*wire.TxOut, len(packet.Inputs))
	for i, in := range packet.Inputs {
		fetcherMap[packet.UnsignedTx.TxIn[i].PreviousOutPoint] = in.WitnessUtxo
	}
	return txscript.NewMultiPrevOutFetcher(fetcherMap)
}

// sighashForInput computes the BIP-341 key-path signature hash for a single
// PSBT input.
func sighashForInput(packet *psbt.Packet, inputIndex int) (*chainhash.Hash, error) {
	fetcher := prevOutFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)
	raw, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, packet.UnsignedTx, inputIndex, fetcher,
	)
	if err != nil {
		return nil, ccderr.Signing("failed to compute sighash", err)
	}
	return chainhash.NewHash(raw)
}

// RunSigningCeremony performs the full two-round, in-process MuSig2 signing
// ceremony over every input of pkt and returns the finalized transaction.
// ownerSK is the owner's static key; cosignerChildSK must already be the
// per-UTXO tweaked key (internal/ccd.ApplyTweak applied to the co-signer's
// static key with the disclosed tweak for this vault's address index).
func RunSigningCeremony(ownerSK, cosignerChildSK *btcec.PrivateKey, pkt *psbt.Packet) (*wire.MsgTx, error) {
	numInputs := len(pkt.Inputs)
	if numInputs == 0 {
		return nil, ErrNoUTXOs
	}

	for i := 0; i < numInputs; i++ {
		msgHash, err := sighashForInput(pkt, i)
		if err != nil {
			return nil, err
		}

		ownerSession, err := musig.NewSession(ownerSK, cosignerChildSK.PubKey(), nil)
		if err != nil {
			return nil, err
		}
		cosignerSession, err := musig.NewSession(cosignerChildSK, ownerSK.PubKey(), nil)
		if err != nil {
			return nil, err
		}

		if _, err := ownerSession.GenerateNonces(); err != nil {
			return nil, err
		}
		if _, err := cosignerSession.GenerateNonces(); err != nil {
			return nil, err
		}

		ownerNonce, err := ownerSession.LocalPubNonce()
		if err != nil {
			return nil, err
		}
		cosignerNonce, err := cosignerSession.LocalPubNonce()
		if err != nil {
			return nil, err
		}
		ownerSession.SetRemoteNonce(cosignerNonce)
		cosignerSession.SetRemoteNonce(ownerNonce)

		if err := ownerSession.InitSigningSession(); err != nil {
			return nil, err
		}
		if err := cosignerSession.InitSigningSession(); err != nil {
			return nil, err
		}

		ownerPartial, err := ownerSession.Sign(msgHash)
		if err != nil {
			return nil, ccderr.Signing("owner partial sign failed", err)
		}
		cosignerPartial, err := cosignerSession.Sign(msgHash)
		if err != nil {
			return nil, fmt.Errorf("%w", &ccderr.Error{Kind: ccderr.KindSigning, Input: i, Msg: "cosigner partial sign failed", Err: err})
		}

		finalSig, err := ownerSession.CombineSignatures(cosignerPartial)
		if err != nil {
			return nil, ccderr.Signing("failed to combine signatures", err)
		}
		_ = cosignerSession // not needed further; kept for symmetry/logging
		_ = ownerPartial

		pkt.UnsignedTx.TxIn[i].Witness = wire.TxWitness{finalSig.Serialize()}

		outputKey := ownerSession.OutputKey()
		if !musig.VerifySignature(finalSig, msgHash, outputKey) {
			return nil, ccderr.Signing("final signature failed verification", nil)
		}
	}

	logger.Info("signing ceremony complete", "inputs", numInputs)

	return pkt.UnsignedTx, nil
}

// CosignerSign verifies and signs for the plain-addition (non-MuSig2) vault
// variant: one Schnorr signature per input using the co-signer's tweaked
// child key. Returns an error the moment any input's disclosed tweak fails
// verification.
func CosignerSign(cosignerSK *btcec.PrivateKey, pkt *psbt.Packet, tweaks []InputTweak, cosignerPubKey *btcec.PublicKey) ([][]byte, error) {
	if len(tweaks) != len(pkt.Inputs) {
		return nil, ErrMismatchedInputs
	}

	sigs := make([][]byte, len(pkt.Inputs))
	for i, t := range tweaks {
		if !ccd.VerifyTweak(cosignerPubKey, t.Disclosure.Tweak, t.Disclosure.DerivedPubKey) {
			return nil, ccderr.TweakVerificationFailed(i)
		}
		childSK, err := ccd.ApplyTweak(cosignerSK, t.Disclosure.Tweak)
		if err != nil {
			return nil, err
		}

		msgHash, err := sighashForInput(pkt, i)
		if err != nil {
			return nil, err
		}
		sig, err := schnorr.Sign(childSK, msgHash[:])
		if err != nil {
			return nil, ccderr.Signing("cosigner sign failed", err)
		}
		sigs[i] = sig.Serialize()
	}
	return sigs, nil
}

// OwnerSign signs every input with the owner's own static key (plain vault
// variant's other half of the 2-of-2).
func OwnerSign(ownerSK *btcec.PrivateKey, pkt *psbt.Packet) ([][]byte, error) {
	sigs := make([][]byte, len(pkt.Inputs))
	for i := range pkt.Inputs {
		msgHash, err := sighashForInput(pkt, i)
		if err != nil {
			return nil, err
		}
		sig, err := schnorr.Sign(ownerSK, msgHash[:])
		if err != nil {
			return nil, ccderr.Signing("owner sign failed", err)
		}
		sigs[i] = sig.Serialize()
	}
	return sigs, nil
}
