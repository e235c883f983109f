// Package ccd implements chain-code delegation: derivation of per-UTXO
// BIP-32-compatible scalar tweaks from a delegated key, without the
// co-signer ever learning the owner's chain code.
package ccd

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/pkg/logging"
)

// hardenedOffset is the BIP-32 boundary past which a child index is
// considered hardened and therefore unusable for public derivation.
const hardenedOffset = 0x80000000

var chainCodeHMACKey = []byte("nostring-ccd-chain-code")

var (
	ErrInvalidChainCode = errors.New("chain code must be exactly 32 bytes")
	ErrNilPubKey        = errors.New("public key cannot be nil")
	ErrEmptyPath        = errors.New("ccd: derivation path must not be empty")
)

// ChainCode is a BIP-32-style 32-byte chain code, held privately by the
// vault owner and never disclosed to the co-signer.
type ChainCode [32]byte

// DelegatedKey binds a co-signer's static public key to the owner-held
// chain code used to derive per-UTXO tweaks for it.
type DelegatedKey struct {
	CosignerPubKey *btcec.PublicKey
	ChainCode      ChainCode
	Label          string
}

// TweakDisclosure is what the owner reveals to the co-signer for a single
// input: the scalar tweak and the resulting derived public key, never the
// chain code itself.
type TweakDisclosure struct {
	Tweak         *btcec.ModNScalar
	DerivedPubKey *btcec.PublicKey
	ChildIndex    uint32
}

var logger = logging.GetDefault().Component("ccd")

// GenerateChainCode produces a fresh CSPRNG chain code.
func GenerateChainCode() (ChainCode, error) {
	var cc ChainCode
	if _, err := rand.Read(cc[:]); err != nil {
		return ChainCode{}, fmt.Errorf("failed to generate chain code: %w", err)
	}
	return cc, nil
}

// DeriveChainCodeFromSeed derives a reproducible chain code from a 64-byte
// seed, for deterministic backup/recovery flows.
func DeriveChainCodeFromSeed(seed [64]byte) ChainCode {
	mac := hmac.New(sha512.New, chainCodeHMACKey)
	mac.Write(seed[:])
	sum := mac.Sum(nil)
	var cc ChainCode
	copy(cc[:], sum[:32])
	return cc
}

// RegisterCosigner creates a DelegatedKey with a freshly generated chain code.
func RegisterCosigner(pubkey *btcec.PublicKey, label string) (DelegatedKey, error) {
	if pubkey == nil {
		return DelegatedKey{}, ErrNilPubKey
	}
	cc, err := GenerateChainCode()
	if err != nil {
		return DelegatedKey{}, err
	}
	logger.Debug("registered cosigner", "label", label)
	return DelegatedKey{CosignerPubKey: pubkey, ChainCode: cc, Label: label}, nil
}

// RegisterCosignerWithChainCode creates a DelegatedKey with a caller-supplied
// chain code (e.g. one recovered from a backup).
func RegisterCosignerWithChainCode(pubkey *btcec.PublicKey, cc ChainCode, label string) (DelegatedKey, error) {
	if pubkey == nil {
		return DelegatedKey{}, ErrNilPubKey
	}
	return DelegatedKey{CosignerPubKey: pubkey, ChainCode: cc, Label: label}, nil
}

// ComputeTweak derives the BIP-32-compatible scalar tweak for childIndex
// against the delegated key's chain code, following non-hardened public
// child derivation: I = HMAC-SHA512(chain_code, ser_P(cosigner_pubkey) ||
// ser_32(child_index)), I_L taken as the tweak scalar.
func ComputeTweak(delegated DelegatedKey, childIndex uint32) (TweakDisclosure, error) {
	disc, _, err := computeTweakStep(delegated, childIndex)
	return disc, err
}

// computeTweakStep is the single-step BIP-32 public CKD primitive: it
// returns both the tweak disclosure (I_L) and the child chain code (I_R,
// the right half of the same HMAC output), since chaining a multi-step path
// requires advancing the chain code at every step, not just the pubkey.
func computeTweakStep(delegated DelegatedKey, childIndex uint32) (TweakDisclosure, ChainCode, error) {
	if delegated.CosignerPubKey == nil {
		return TweakDisclosure{}, ChainCode{}, ErrNilPubKey
	}
	if childIndex >= hardenedOffset {
		return TweakDisclosure{}, ChainCode{}, ccderr.HardenedIndex(childIndex)
	}

	mac := hmac.New(sha512.New, delegated.ChainCode[:])
	mac.Write(delegated.CosignerPubKey.SerializeCompressed())
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], childIndex)
	mac.Write(idxBuf[:])
	sum := mac.Sum(nil)

	var il [32]byte
	copy(il[:], sum[:32])

	var tweak btcec.ModNScalar
	overflow := tweak.SetBytes((*[32]byte)(&il))
	if overflow != 0 {
		return TweakDisclosure{}, ChainCode{}, ccderr.TweakOutOfRange(errors.New("I_L >= curve order"))
	}

	derived := deriveChildPubKey(delegated.CosignerPubKey, &tweak)

	var childChainCode ChainCode
	copy(childChainCode[:], sum[32:64])

	return TweakDisclosure{
		Tweak:         &tweak,
		DerivedPubKey: derived,
		ChildIndex:    childIndex,
	}, childChainCode, nil
}

// ComputeTweakPath walks a non-hardened derivation path, chaining the
// derived public key AND the chain code from each step into the next
// step's (pubkey, chain code) pair, matching BIP-32 public derivation
// chaining exactly. It returns the full sequence of per-step
// TweakDisclosures, since each disclosed tweak is only valid relative to
// its own step's parent pubkey, not the path's final key. An empty path is
// rejected: there is no tweak to disclose.
func ComputeTweakPath(delegated DelegatedKey, path []uint32) ([]TweakDisclosure, error) {
	if len(path) == 0 {
		return nil, &ccderr.Error{Kind: ccderr.KindInvalidPath, Input: -1, Msg: ErrEmptyPath.Error(), Err: ErrEmptyPath}
	}

	current := delegated
	discs := make([]TweakDisclosure, 0, len(path))
	for _, idx := range path {
		disc, childChainCode, err := computeTweakStep(current, idx)
		if err != nil {
			return nil, err
		}
		discs = append(discs, disc)
		current = DelegatedKey{
			CosignerPubKey: disc.DerivedPubKey,
			ChainCode:      childChainCode,
			Label:          current.Label,
		}
	}
	return discs, nil
}

// ApplyTweak adds the tweak scalar to a private key modulo the curve order,
// producing the child private key the co-signer uses to sign.
func ApplyTweak(sk *btcec.PrivateKey, tweak *btcec.ModNScalar) (*btcec.PrivateKey, error) {
	if sk == nil {
		return nil, errors.New("private key cannot be nil")
	}
	childScalar := new(btcec.ModNScalar).Set(&sk.Key)
	childScalar.Add(tweak)
	if childScalar.IsZero() {
		return nil, errors.New("tweak produced a zero private key")
	}
	childBytes := childScalar.Bytes()
	child, _ := btcec.PrivKeyFromBytes(childBytes[:])
	return child, nil
}

// VerifyTweak recomputes derivedPubKey = pubkey + tweak*G and compares it
// against expected, so the co-signer can confirm a disclosed tweak actually
// corresponds to its own static key before applying it.
func VerifyTweak(pubkey *btcec.PublicKey, tweak *btcec.ModNScalar, expected *btcec.PublicKey) bool {
	if pubkey == nil || tweak == nil || expected == nil {
		return false
	}
	recomputed := deriveChildPubKey(pubkey, tweak)
	return recomputed.IsEqual(expected)
}

// AggregateTaprootKey performs simple point addition of the owner's static
// key and the co-signer's per-UTXO derived key. This is the non-MuSig2
// vault variant; the MuSig2 variant lives in internal/musig.
func AggregateTaprootKey(ownerPubkey, cosignerDerived *btcec.PublicKey) (*btcec.PublicKey, error) {
	if ownerPubkey == nil || cosignerDerived == nil {
		return nil, ErrNilPubKey
	}
	var ownerJ, cosignerJ, sumJ btcec.JacobianPoint
	ownerPubkey.AsJacobian(&ownerJ)
	cosignerDerived.AsJacobian(&cosignerJ)
	btcec.AddNonConst(&ownerJ, &cosignerJ, &sumJ)
	sumJ.ToAffine()
	sum := btcec.NewPublicKey(&sumJ.X, &sumJ.Y)
	return sum, nil
}

func deriveChildPubKey(base *btcec.PublicKey, tweak *btcec.ModNScalar) *btcec.PublicKey {
	var tweakJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(tweak, &tweakJ)

	var baseJ, sumJ btcec.JacobianPoint
	base.AsJacobian(&baseJ)
	btcec.AddNonConst(&baseJ, &tweakJ, &sumJ)
	sumJ.ToAffine()
	return btcec.NewPublicKey(&sumJ.X, &sumJ.Y)
}
