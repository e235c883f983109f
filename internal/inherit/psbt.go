package inherit

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/internal/musig"
)

// DustLimit is the minimum non-dust output value, in satoshis.
const DustLimit = 546

// MaxCheckinFeeRateSatPerVByte caps the fee rate BuildKeypathCheckinPSBT
// will accept.
const MaxCheckinFeeRateSatPerVByte = 500

// rbfSequence signals replace-by-fee eligibility (BIP-125): any sequence
// strictly below 0xfffffffe.
const rbfSequence = 0xfffffffd

var (
	ErrNoUTXOs           = errors.New("inherit: no UTXOs provided")
	ErrFeeExceedsValue   = errors.New("inherit: fee meets or exceeds total input value")
	ErrFeeRateOutOfRange = errors.New("inherit: fee rate must be in (0, 500] sat/vB")
)

// UTXO describes a vault output being spent.
type UTXO struct {
	OutPoint wire.OutPoint
	PkScript []byte
	Value    int64
}

// ExtraOutput is an additional output appended after the vault-recreate
// output in a key-path check-in PSBT.
type ExtraOutput struct {
	Address btcutil.Address
	Amount  int64
}

// csvSequence encodes a BIP-68 height-based relative locktime: disable bit
// (0x80000000) and type-flag bit (1<<22, seconds-based) both clear, value
// in the low 16 bits.
func csvSequence(t Timelock) uint32 {
	return uint32(t)
}

// BuildHeirClaimPSBT builds an unsigned PSBT spending utxos via the
// script-path recovery leaf at recoveryIndex to a single destination.
func BuildHeirClaimPSBT(vault *InheritableVault, recoveryIndex int, utxos []UTXO, destination btcutil.Address, fee btcutil.Amount) (*psbt.Packet, error) {
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	if recoveryIndex < 0 || recoveryIndex >= len(vault.RecoveryLeaves) {
		return nil, ErrRecoveryIndexRange
	}

	leaf := vault.RecoveryLeaves[recoveryIndex]

	var totalIn int64
	for _, u := range utxos {
		totalIn += u.Value
	}
	if int64(fee) >= totalIn {
		return nil, ErrFeeExceedsValue
	}
	outputValue := totalIn - int64(fee)
	if outputValue < DustLimit {
		return nil, ccderr.Dust(outputValue, DustLimit)
	}

	tx := wire.NewMsgTx(2)
	sequence := csvSequence(leaf.Timelock)
	for _, u := range utxos {
		in := wire.NewTxIn(&u.OutPoint, nil, nil)
		in.Sequence = sequence
		tx.AddTxIn(in)
	}

	destScript, err := txscript.PayToAddrScript(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(outputValue, destScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, ccderr.PSBT("failed to build heir-claim psbt", err)
	}

	internalKeyBytes := schnorr.SerializePubKey(vault.InternalKey)
	for i, u := range utxos {
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{Value: u.Value, PkScript: u.PkScript}
		packet.Inputs[i].TaprootInternalKey = internalKeyBytes
		packet.Inputs[i].TaprootMerkleRoot = vault.MerkleRoot
		packet.Inputs[i].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
			Script:       leaf.Script,
			LeafVersion:  txscript.TapscriptLeafVersion(leaf.LeafVersion),
			ControlBlock: leaf.ControlBlock,
		}}
	}

	return packet, nil
}

// EstimateHeirClaimVBytes roughly estimates the virtual size of a heir-claim
// transaction, used by callers sizing a fee before calling
// BuildHeirClaimPSBT. treeDepth is the depth of the claimed leaf (bigger
// control blocks for deeper leaves).
func EstimateHeirClaimVBytes(numInputs, numOutputs, treeDepth int) int {
	const baseOverhead = 11
	const perInput = 42 // outpoint + sequence, witness counted separately
	const perOutput = 43
	const perWitnessByte = 1 // already in weight units / 4, approximated 1:1
	witness := 64 + 1 + 33 + 32*treeDepth
	return baseOverhead + perInput*numInputs + perOutput*numOutputs + (witness*numInputs)/4*perWitnessByte
}

// BuildKeypathCheckinPSBT builds an unsigned PSBT that spends utxos back to
// the vault's own address (recreating it, which resets the CSV clock for
// every recovery leaf), plus any extraOutputs, signed via the MuSig2
// key-path.
func BuildKeypathCheckinPSBT(vault *InheritableVault, utxos []UTXO, feeRateSatPerVByte float64, extraOutputs []ExtraOutput) (*psbt.Packet, error) {
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	if feeRateSatPerVByte <= 0 || feeRateSatPerVByte > MaxCheckinFeeRateSatPerVByte {
		return nil, ErrFeeRateOutOfRange
	}

	var totalIn int64
	for _, u := range utxos {
		totalIn += u.Value
	}

	vbytes := 10.5 + 57.5*float64(len(utxos)) + 43*float64(1+len(extraOutputs))
	fee := int64(vbytes*feeRateSatPerVByte + 0.999999) // ceil

	var extrasTotal int64
	for _, e := range extraOutputs {
		extrasTotal += e.Amount
	}

	checkinAmount := totalIn - fee - extrasTotal
	if checkinAmount < DustLimit {
		return nil, ccderr.Dust(checkinAmount, DustLimit)
	}

	tx := wire.NewMsgTx(2)
	for _, u := range utxos {
		in := wire.NewTxIn(&u.OutPoint, nil, nil)
		in.Sequence = rbfSequence
		tx.AddTxIn(in)
	}

	vaultScript, err := txscript.PayToAddrScript(vault.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid vault address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(checkinAmount, vaultScript))
	for _, e := range extraOutputs {
		script, err := txscript.PayToAddrScript(e.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid extra output address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(e.Amount, script))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, ccderr.PSBT("failed to build check-in psbt", err)
	}

	internalKeyBytes := schnorr.SerializePubKey(vault.InternalKey)
	for i, u := range utxos {
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{Value: u.Value, PkScript: u.PkScript}
		packet.Inputs[i].TaprootInternalKey = internalKeyBytes
		packet.Inputs[i].TaprootMerkleRoot = vault.MerkleRoot
	}

	return packet, nil
}

// prevOutFetcher builds a txscript.PrevOutputFetcher covering every input of
// the unsigned transaction carried by packet.
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

// RunCheckinSigningCeremony runs the two-party MuSig2 key-path ceremony over
// every input of a check-in PSBT. Unlike the plain CCD vault's ceremony,
// this one folds vault.MerkleRoot into the key aggregation so the resulting
// signature verifies against the Taproot output key that commits to the
// recovery tree (see Open Question #2: a vault with script leaves signs
// key-path spends with the Merkle-root tweak, not the BIP-86 tweak).
func RunCheckinSigningCeremony(vault *InheritableVault, ownerSK, cosignerChildSK *btcec.PrivateKey, pkt *psbt.Packet) (*wire.MsgTx, error) {
	numInputs := len(pkt.Inputs)
	if numInputs == 0 {
		return nil, ErrNoUTXOs
	}

	for i := 0; i < numInputs; i++ {
		msgHash, err := sighashForInput(pkt, i)
		if err != nil {
			return nil, err
		}

		ownerSession, err := musig.NewSession(ownerSK, cosignerChildSK.PubKey(), vault.MerkleRoot)
		if err != nil {
			return nil, err
		}
		cosignerSession, err := musig.NewSession(cosignerChildSK, ownerSK.PubKey(), vault.MerkleRoot)
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

		if _, err := ownerSession.Sign(msgHash); err != nil {
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

		pkt.UnsignedTx.TxIn[i].Witness = wire.TxWitness{finalSig.Serialize()}

		outputKey := ownerSession.OutputKey()
		if !musig.VerifySignature(finalSig, msgHash, outputKey) {
			return nil, ccderr.Signing("final signature failed verification", nil)
		}
	}

	return pkt.UnsignedTx, nil
}

// BuildHeirClaimWitness assembles the script-path witness stack for a
// claim. For a single-heir leaf, sigs must contain exactly one signature.
// For a k-of-n multi_a leaf, sigs must be ordered the same as the leaf's
// HeirKeys, with a nil entry for any heir who did not sign, and must hold
// exactly threshold non-nil entries (any other count is rejected); the
// stack is written in the consensus-required reverse-key order, with an
// empty element for each nil entry.
func BuildHeirClaimWitness(vault *InheritableVault, recoveryIndex int, heirs HeirPath, sigs []*schnorr.Signature) (wire.TxWitness, error) {
	if recoveryIndex < 0 || recoveryIndex >= len(vault.RecoveryLeaves) {
		return nil, ErrRecoveryIndexRange
	}
	leaf := vault.RecoveryLeaves[recoveryIndex]

	switch h := heirs.(type) {
	case SingleHeir:
		if len(sigs) != 1 || sigs[0] == nil {
			return nil, ccderr.Policy("single-heir claim requires exactly one signature")
		}
		return wire.TxWitness{sigs[0].Serialize(), leaf.Script, leaf.ControlBlock}, nil
	case MultiHeir:
		if len(sigs) != len(h.HeirKeys) {
			return nil, ccderr.Policy("signature slice must align with heir key order")
		}
		present := 0
		stack := make(wire.TxWitness, 0, len(sigs)+2)
		// OP_CHECKSIGADD reads its stack items in reverse key order.
		for i := len(sigs) - 1; i >= 0; i-- {
			if sigs[i] != nil {
				stack = append(stack, sigs[i].Serialize())
				present++
			} else {
				stack = append(stack, []byte{})
			}
		}
		if present != h.Threshold {
			return nil, ccderr.Policy(fmt.Sprintf("expected exactly %d signatures, got %d", h.Threshold, present))
		}
		stack = append(stack, leaf.Script, leaf.ControlBlock)
		return stack, nil
	default:
		return nil, ccderr.Policy("unknown heir path type")
	}
}
