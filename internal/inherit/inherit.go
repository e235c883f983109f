// Package inherit implements the inheritable vault layer: compiling a
// heir-recovery policy into a Tapscript tree, deriving the vault address
// from the MuSig2 key-path internal key plus that tree's Merkle root, and
// building the PSBTs that spend along either path. Builds on the plain
// CCD vault in internal/vault, adding a script-path recovery tree
// alongside the key-path-only Taproot output.
package inherit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/nostring-labs/vault-core/internal/ccd"
	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/internal/musig"
	"github.com/nostring-labs/vault-core/pkg/logging"
)

// MinTimelock and MaxTimelock bound a relative-locktime CSV value expressed
// in blocks; BIP-68 height-based relative locktimes only use the low 16
// bits of the sequence field.
const (
	MinTimelock = 1
	MaxTimelock = 65535
)

var (
	ErrNoHeirs           = errors.New("inherit: at least one heir is required")
	ErrInvalidThreshold  = errors.New("inherit: threshold must satisfy 1 <= k <= len(heirs)")
	ErrTimelockOutOfRange = errors.New("inherit: timelock must be in [1, 65535] blocks")
	ErrNoRecoveryLeaves  = errors.New("inherit: at least one recovery leaf is required")
	ErrRecoveryIndexRange = errors.New("inherit: recovery index out of range")
)

var logger = logging.GetDefault().Component("inherit")

// Timelock is a relative block-height CSV value.
type Timelock uint16

// TimelockFromBlocks validates and constructs a Timelock.
func TimelockFromBlocks(blocks uint32) (Timelock, error) {
	if blocks < MinTimelock || blocks > MaxTimelock {
		return 0, ErrTimelockOutOfRange
	}
	return Timelock(blocks), nil
}

// Common timelock presets, assuming ~10 minute blocks.
const (
	SixMonthsBlocks Timelock = 26280
	OneYearBlocks   Timelock = 52560
)

// Days returns a Timelock of approximately n days of blocks (144 blocks/day).
// n*144 is computed in uint32 arithmetic and passed to TimelockFromBlocks,
// which returns ErrTimelockOutOfRange outside [MinTimelock, MaxTimelock].
func Days(n uint32) (Timelock, error) {
	return TimelockFromBlocks(n * 144)
}

// HeirPath is either a single heir or a k-of-n threshold of heirs; it
// compiles to the recovery half of the leaf script `and(keys, older(t))`.
type HeirPath interface {
	// scriptKeys builds the key-checking portion of the script (everything
	// after the leading `<timelock> OP_CSV OP_DROP` prefix).
	scriptKeys(builder *txscript.ScriptBuilder) error
	leafCount() int
}

// SingleHeir is a recovery path satisfied by one heir's signature.
type SingleHeir struct {
	HeirPubKey *btcec.PublicKey
}

func (s SingleHeir) scriptKeys(b *txscript.ScriptBuilder) error {
	if s.HeirPubKey == nil {
		return ErrNoHeirs
	}
	b.AddData(schnorr.SerializePubKey(s.HeirPubKey))
	b.AddOp(txscript.OP_CHECKSIG)
	return nil
}

func (s SingleHeir) leafCount() int { return 1 }

// MultiHeir is a k-of-n threshold recovery path, encoded with
// OP_CHECKSIGADD ("multi_a").
type MultiHeir struct {
	Threshold int
	HeirKeys  []*btcec.PublicKey
}

func (m MultiHeir) scriptKeys(b *txscript.ScriptBuilder) error {
	if len(m.HeirKeys) == 0 {
		return ErrNoHeirs
	}
	if m.Threshold < 1 || m.Threshold > len(m.HeirKeys) {
		return ErrInvalidThreshold
	}
	for i, key := range m.HeirKeys {
		b.AddData(schnorr.SerializePubKey(key))
		if i == 0 {
			b.AddOp(txscript.OP_CHECKSIG)
		} else {
			b.AddOp(txscript.OP_CHECKSIGADD)
		}
	}
	b.AddInt64(int64(m.Threshold))
	b.AddOp(txscript.OP_NUMEQUAL)
	return nil
}

func (m MultiHeir) leafCount() int { return len(m.HeirKeys) }

// CompileRecoveryScript compiles `and(heirs, older(timelock))` to a concrete
// Tapscript: `<timelock> OP_CHECKSEQUENCEVERIFY OP_DROP <heir-keys-check>`.
func CompileRecoveryScript(heirs HeirPath, timelock Timelock) ([]byte, error) {
	if timelock < MinTimelock {
		return nil, ErrTimelockOutOfRange
	}
	b := txscript.NewScriptBuilder()
	b.AddInt64(int64(timelock))
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	b.AddOp(txscript.OP_DROP)
	if err := heirs.scriptKeys(b); err != nil {
		return nil, &ccderr.Error{Kind: ccderr.KindPolicy, Input: -1, Msg: err.Error(), Err: err}
	}
	return b.Script()
}

// CascadeLeaf is one (timelock, heir-path) pair in a cascade vault.
type CascadeLeaf struct {
	Timelock Timelock
	Heirs    HeirPath
}

// RecoveryLeaf is a compiled Tapscript leaf plus the control block needed to
// spend it, recorded against the tree it was built into.
type RecoveryLeaf struct {
	Timelock     Timelock
	Script       []byte
	ControlBlock []byte
	LeafVersion  byte
}

// InheritableVault is a 2-of-2 MuSig2 Taproot vault with a Tapscript
// recovery tree. The key-path spend (owner + co-signer MuSig2) always
// remains available and resets the CSV clock for every leaf.
type InheritableVault struct {
	OwnerPubKey           *btcec.PublicKey
	Delegated             ccd.DelegatedKey
	AddressIndex          uint32
	CosignerDerivedPubKey *btcec.PublicKey
	InternalKey           *btcec.PublicKey // untweaked MuSig2 aggregate
	MerkleRoot            []byte
	Timelock              Timelock // earliest (primary) recovery timelock
	RecoveryLeaves        []RecoveryLeaf
	Address               btcutil.Address
	Network               *chaincfg.Params
}

// tapTree is the internal left-leaning cascade tree built from compiled
// recovery leaves, grounded directly on txscript's TapLeaf/TapBranch/
// TapHash/TapscriptProof/ControlBlock primitives (no generic tree-balancer
// is used, since the cascade shape requires pinning each leaf's depth).
type tapTree struct {
	root       txscript.TapNode
	leafProofs []txscript.TapscriptProof
}

// buildCascadeTree assembles the left-leaning tree: leaf 0 at depth 1, the
// remaining n-1 leaves forming a right subtree of the same shape, so that
// the earliest (most likely to be used) timelock sits at the shallowest,
// cheapest-to-spend depth.
func buildCascadeTree(leaves []txscript.TapLeaf) *tapTree {
	n := len(leaves)
	if n == 1 {
		proof := txscript.TapscriptProof{
			TapLeaf:        leaves[0],
			RootNode:       leaves[0],
			InclusionProof: nil,
		}
		return &tapTree{root: leaves[0], leafProofs: []txscript.TapscriptProof{proof}}
	}

	// node(i) is the subtree covering leaves[i:], built right to left so
	// each node(i) is readily available when constructing node(i-1).
	nodes := make([]txscript.TapNode, n)
	nodes[n-1] = leaves[n-1]
	for i := n - 2; i >= 0; i-- {
		if i == n-2 {
			nodes[i] = txscript.NewTapBranch(leaves[i], leaves[i+1])
		} else {
			nodes[i] = txscript.NewTapBranch(leaves[i], nodes[i+1])
		}
	}
	root := nodes[0]

	// Collect, for each leaf, the sibling hashes encountered walking from
	// the leaf up to the root: first the sibling within its own branch,
	// then each earlier leaf's hash in ascending order.
	proofs := make([]txscript.TapscriptProof, n)
	for i := 0; i < n-1; i++ {
		var inclusion []byte
		if i == n-2 {
			siblingHash := leaves[i+1].TapHash()
			inclusion = append(inclusion, siblingHash[:]...)
		} else {
			siblingHash := nodes[i+1].TapHash()
			inclusion = append(inclusion, siblingHash[:]...)
		}
		for j := i - 1; j >= 0; j-- {
			h := leaves[j].TapHash()
			inclusion = append(inclusion, h[:]...)
		}
		proofs[i] = txscript.TapscriptProof{
			TapLeaf:        leaves[i],
			RootNode:       root,
			InclusionProof: inclusion,
		}
	}
	// Last leaf (n-1) shares depth with leaf n-2: its immediate sibling is
	// leaf n-2, followed by the same ascending ancestor leaves.
	var lastInclusion []byte
	siblingHash := leaves[n-2].TapHash()
	lastInclusion = append(lastInclusion, siblingHash[:]...)
	for j := n - 3; j >= 0; j-- {
		h := leaves[j].TapHash()
		lastInclusion = append(lastInclusion, h[:]...)
	}
	proofs[n-1] = txscript.TapscriptProof{
		TapLeaf:        leaves[n-1],
		RootNode:       root,
		InclusionProof: lastInclusion,
	}

	return &tapTree{root: root, leafProofs: proofs}
}

// leafScript is a compiled recovery script not yet assembled into a tree;
// the common input to both building a fresh vault (scripts freshly
// compiled from HeirPath values) and reconstructing one from a backup
// (scripts replayed verbatim from stored hex).
type leafScript struct {
	Timelock Timelock
	Script   []byte
}

// assembleRecoveryLeaves builds the left-leaning cascade tree over already-
// compiled scripts (ordered by ascending timelock) and returns the per-leaf
// RecoveryLeaf records (script + control block) plus the tree's Merkle
// root. Shared by fresh vault construction and VaultBackup.Reconstruct, so
// a backup can rebuild the exact same tree from its precompiled leaf
// scripts without needing the original HeirPath values.
func assembleRecoveryLeaves(internalKey *btcec.PublicKey, sortedLeaves []leafScript) ([]RecoveryLeaf, []byte, error) {
	if len(sortedLeaves) == 0 {
		return nil, nil, ErrNoRecoveryLeaves
	}

	tapLeaves := make([]txscript.TapLeaf, len(sortedLeaves))
	for i, leaf := range sortedLeaves {
		tapLeaves[i] = txscript.NewBaseTapLeaf(leaf.Script)
	}

	tree := buildCascadeTree(tapLeaves)
	rootHash := tree.root.TapHash()

	recoveryLeaves := make([]RecoveryLeaf, len(sortedLeaves))
	for i, leaf := range sortedLeaves {
		ctrlBlock := tree.leafProofs[i].ToControlBlock(internalKey)
		ctrlBytes, err := ctrlBlock.ToBytes()
		if err != nil {
			return nil, nil, ccderr.Taproot("failed to serialize control block", err)
		}
		recoveryLeaves[i] = RecoveryLeaf{
			Timelock:     leaf.Timelock,
			Script:       leaf.Script,
			ControlBlock: ctrlBytes,
			LeafVersion:  byte(txscript.BaseLeafVersion),
		}
	}

	return recoveryLeaves, rootHash[:], nil
}

// buildRecoveryLeaves compiles each cascade leaf's script (ordered by
// ascending timelock) and assembles the cascade tree over them.
func buildRecoveryLeaves(internalKey *btcec.PublicKey, sortedLeaves []CascadeLeaf) ([]RecoveryLeaf, []byte, error) {
	if len(sortedLeaves) == 0 {
		return nil, nil, ErrNoRecoveryLeaves
	}

	scripts := make([]leafScript, len(sortedLeaves))
	for i, leaf := range sortedLeaves {
		script, err := CompileRecoveryScript(leaf.Heirs, leaf.Timelock)
		if err != nil {
			return nil, nil, err
		}
		scripts[i] = leafScript{Timelock: leaf.Timelock, Script: script}
	}

	return assembleRecoveryLeaves(internalKey, scripts)
}

// CreateInheritableVault builds a single-recovery-path inheritable vault:
// owner + co-signer MuSig2 key-path, one Tapscript leaf encoding heirs'
// recovery after timelock.
func CreateInheritableVault(ownerPubKey *btcec.PublicKey, delegated ccd.DelegatedKey, addressIndex uint32, heirs HeirPath, timelock Timelock, network *chaincfg.Params) (*InheritableVault, error) {
	return CreateCascadeVault(ownerPubKey, delegated, addressIndex, []CascadeLeaf{{Timelock: timelock, Heirs: heirs}}, network)
}

// CreateCascadeVault builds a multi-leaf cascade inheritable vault. Leaves
// are sorted by ascending timelock before the tree is built, placing the
// earliest (primary) recovery path at the shallowest depth.
func CreateCascadeVault(ownerPubKey *btcec.PublicKey, delegated ccd.DelegatedKey, addressIndex uint32, leaves []CascadeLeaf, network *chaincfg.Params) (*InheritableVault, error) {
	if len(leaves) == 0 {
		return nil, ccderr.NoHeirs()
	}

	sorted := make([]CascadeLeaf, len(leaves))
	copy(sorted, leaves)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timelock < sorted[j].Timelock })

	disc, err := ccd.ComputeTweak(delegated, addressIndex)
	if err != nil {
		return nil, err
	}

	internalAgg, err := musig.KeyAggUntweaked(ownerPubKey, disc.DerivedPubKey)
	if err != nil {
		return nil, ccderr.Taproot("untweaked key aggregation failed", err)
	}
	internalKey := internalAgg.FinalKey

	recoveryLeaves, merkleRoot, err := buildRecoveryLeaves(internalKey, sorted)
	if err != nil {
		return nil, err
	}

	outputKey := txscript.ComputeTaprootOutputKey(internalKey, merkleRoot)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), network)
	if err != nil {
		return nil, fmt.Errorf("failed to derive taproot address: %w", err)
	}

	logger.Debug("created inheritable vault", "index", addressIndex, "leaves", len(recoveryLeaves), "address", addr.String())

	return &InheritableVault{
		OwnerPubKey:           ownerPubKey,
		Delegated:             delegated,
		AddressIndex:          addressIndex,
		CosignerDerivedPubKey: disc.DerivedPubKey,
		InternalKey:           internalKey,
		MerkleRoot:            merkleRoot,
		Timelock:              sorted[0].Timelock,
		RecoveryLeaves:        recoveryLeaves,
		Address:               addr,
		Network:               network,
	}, nil
}
