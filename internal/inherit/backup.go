package inherit

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/nostring-labs/vault-core/internal/ccd"
	"github.com/nostring-labs/vault-core/internal/ccderr"
	"github.com/nostring-labs/vault-core/internal/musig"
)

// HeirBackupEntry records one heir's descriptor metadata against the
// recovery leaf it belongs to. XPub/Fingerprint/DerivationPath/Npub are
// informational lineage for the heir's own recovery tooling; they are not
// consulted by Reconstruct, which rebuilds the vault entirely from the
// precompiled script/control-block bytes in RecoveryLeaves. Older backups
// written before these fields existed still load: every field but Label
// and RecoveryIndex is optional.
type HeirBackupEntry struct {
	Label          string  `json:"label"`
	PubKeyHex      string  `json:"pubkey"`
	XPub           string  `json:"xpub,omitempty"`
	Fingerprint    string  `json:"fingerprint,omitempty"`
	DerivationPath string  `json:"derivation_path,omitempty"`
	RecoveryIndex  int     `json:"recovery_index"`
	Npub           *string `json:"npub,omitempty"`
}

// BackupRecoveryLeaf is the precompiled, serializable form of one cascade
// leaf: the exact script and control-block bytes produced at vault
// construction time, so Reconstruct never needs to re-run miniscript
// compilation to recover byte-exact spendability.
type BackupRecoveryLeaf struct {
	LeafIndex       int      `json:"leaf_index"`
	TimelockBlocks  Timelock `json:"timelock_blocks"`
	ScriptHex       string   `json:"script_hex"`
	ControlBlockHex string   `json:"control_block_hex"`
	LeafVersion     byte     `json:"leaf_version"`
}

// VaultBackup is the fully self-describing, durable record an owner keeps
// offline and may hand to heirs: everything needed to reconstruct an
// InheritableVault and verify it matches the on-chain address. It includes
// the chain code, the owner's delegation secret that internal/ccd never
// discloses to the co-signer. Optional fields are pointers or omitempty so
// an older backup missing them still unmarshals and reconstructs.
type VaultBackup struct {
	Version            uint32               `json:"version"`
	Network            string               `json:"network"`
	OwnerPubKey        string               `json:"owner_pubkey"`
	CosignerPubKey     string               `json:"cosigner_pubkey"`
	ChainCode          string               `json:"chain_code"`
	Label              string               `json:"label,omitempty"`
	AddressIndex       uint32               `json:"address_index"`
	TimelockBlocks     Timelock             `json:"timelock_blocks"`
	Threshold          int                  `json:"threshold"`
	Heirs              []HeirBackupEntry    `json:"heirs"`
	VaultAddress       string               `json:"vault_address"`
	TaprootInternalKey *string              `json:"taproot_internal_key,omitempty"`
	RecoveryLeaves     []BackupRecoveryLeaf `json:"recovery_leaves"`
	CreatedAt          *string              `json:"created_at,omitempty"`
}

// BackupVersion is the current VaultBackup schema version.
const BackupVersion = 1

// HeirInfo is caller-supplied descriptor metadata for one heir, threaded
// through NewVaultBackup into the resulting HeirBackupEntry. Zero-valued
// fields are omitted from the serialized backup.
type HeirInfo struct {
	Label          string
	XPub           string
	Fingerprint    string
	DerivationPath string
	Npub           string
}

// networkByName resolves the handful of chaincfg.Params the backup format
// supports; kept local rather than importing internal/config since the
// mapping is tiny.
func networkByName(name string) (*chaincfg.Params, error) {
	switch name {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("inherit: unknown network %q", name)
	}
}

func networkName(params *chaincfg.Params) string {
	switch params.Name {
	case chaincfg.MainNetParams.Name:
		return "bitcoin"
	case chaincfg.TestNet3Params.Name:
		return "testnet"
	case chaincfg.SigNetParams.Name:
		return "signet"
	default:
		return chaincfg.RegressionNetParams.Name
	}
}

// leafThreshold returns a leaf's HeirPath threshold: 0 for SingleHeir, k for
// a k-of-n MultiHeir.
func leafThreshold(heirs HeirPath) int {
	if m, ok := heirs.(MultiHeir); ok {
		return m.Threshold
	}
	return 0
}

// leafHeirKeys returns the x-only public keys a HeirPath is satisfied by,
// in the order they're pushed in the compiled script.
func leafHeirKeys(heirs HeirPath) []*btcec.PublicKey {
	switch h := heirs.(type) {
	case SingleHeir:
		return []*btcec.PublicKey{h.HeirPubKey}
	case MultiHeir:
		return h.HeirKeys
	default:
		return nil
	}
}

// ExtractRecoveryLeaves converts a vault's already-compiled RecoveryLeaf
// records into their serializable backup form.
func ExtractRecoveryLeaves(vault *InheritableVault) []BackupRecoveryLeaf {
	out := make([]BackupRecoveryLeaf, len(vault.RecoveryLeaves))
	for i, leaf := range vault.RecoveryLeaves {
		out[i] = BackupRecoveryLeaf{
			LeafIndex:       i,
			TimelockBlocks:  leaf.Timelock,
			ScriptHex:       hex.EncodeToString(leaf.Script),
			ControlBlockHex: hex.EncodeToString(leaf.ControlBlock),
			LeafVersion:     leaf.LeafVersion,
		}
	}
	return out
}

// NewVaultBackup builds a VaultBackup record from a live InheritableVault
// and the CascadeLeaf definitions used to build it (for heir metadata and
// per-leaf thresholds; the cryptographic material needed to reconstruct
// comes entirely from vault.RecoveryLeaves). heirInfo supplies optional
// descriptor lineage per leaf, parallel to leaves (it is reordered along
// with them); a nil or short slice leaves the corresponding entries with
// only PubKeyHex and RecoveryIndex set.
// createdAt, if non-empty, is stamped verbatim (callers supply it since
// this package never calls time.Now, matching the no-nondeterminism rule
// used throughout vault-core).
func NewVaultBackup(vault *InheritableVault, leaves []CascadeLeaf, label string, createdAt string) (*VaultBackup, error) {
	return NewVaultBackupWithHeirInfo(vault, leaves, nil, label, createdAt)
}

// NewVaultBackupWithHeirInfo is NewVaultBackup plus per-leaf descriptor
// metadata (xpub, fingerprint, derivation path, npub) to round-trip through
// the backup for heirs' own recovery tooling.
func NewVaultBackupWithHeirInfo(vault *InheritableVault, leaves []CascadeLeaf, heirInfo []HeirInfo, label string, createdAt string) (*VaultBackup, error) {
	sorted := make([]CascadeLeaf, len(leaves))
	copy(sorted, leaves)
	infos := make([]HeirInfo, len(leaves))
	copy(infos, heirInfo)
	sortLeavesByTimelock(sorted, infos)

	if len(sorted) != len(vault.RecoveryLeaves) {
		return nil, ccderr.Backup("leaf count does not match vault's recovery leaves", nil)
	}

	var heirs []HeirBackupEntry
	for i, leaf := range sorted {
		keys := leafHeirKeys(leaf.Heirs)
		if keys == nil {
			return nil, ccderr.Policy("unknown heir path type")
		}
		info := infos[i]
		for _, k := range keys {
			if k == nil {
				return nil, ErrNoHeirs
			}
			entry := HeirBackupEntry{
				Label:          info.Label,
				PubKeyHex:      hex.EncodeToString(schnorr.SerializePubKey(k)),
				XPub:           info.XPub,
				Fingerprint:    info.Fingerprint,
				DerivationPath: info.DerivationPath,
				RecoveryIndex:  i,
			}
			if info.Npub != "" {
				npub := info.Npub
				entry.Npub = &npub
			}
			heirs = append(heirs, entry)
		}
	}

	var internalKeyHex *string
	if vault.InternalKey != nil {
		s := hex.EncodeToString(schnorr.SerializePubKey(vault.InternalKey))
		internalKeyHex = &s
	}

	b := &VaultBackup{
		Version:            BackupVersion,
		Network:            networkName(vault.Network),
		OwnerPubKey:        hex.EncodeToString(vault.OwnerPubKey.SerializeCompressed()),
		CosignerPubKey:     hex.EncodeToString(vault.Delegated.CosignerPubKey.SerializeCompressed()),
		ChainCode:          hex.EncodeToString(vault.Delegated.ChainCode[:]),
		Label:              label,
		AddressIndex:       vault.AddressIndex,
		TimelockBlocks:     vault.Timelock,
		Threshold:          leafThreshold(sorted[0].Heirs),
		Heirs:              heirs,
		VaultAddress:       vault.Address.String(),
		TaprootInternalKey: internalKeyHex,
		RecoveryLeaves:     ExtractRecoveryLeaves(vault),
	}
	if createdAt != "" {
		b.CreatedAt = &createdAt
	}
	return b, nil
}

func sortLeavesByTimelock(leaves []CascadeLeaf, infos []HeirInfo) {
	for i := 1; i < len(leaves); i++ {
		for j := i; j > 0 && leaves[j].Timelock < leaves[j-1].Timelock; j-- {
			leaves[j], leaves[j-1] = leaves[j-1], leaves[j]
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
}

// Reconstruct rebuilds an InheritableVault from the backup record and
// verifies the derived address matches VaultAddress exactly. A mismatch is
// a hard failure: it means either the backup was corrupted/tampered with
// or the reconstruction logic has diverged from whatever produced the
// original vault, and in either case it would be unsafe to proceed as if
// the backup were trustworthy. Reconstruction never recompiles
// CompileRecoveryScript from heir metadata; it replays the precompiled
// script and control-block bytes in RecoveryLeaves verbatim, so Heirs'
// optional lineage fields play no role in the cryptographic result.
func (b *VaultBackup) Reconstruct() (*InheritableVault, error) {
	if len(b.RecoveryLeaves) == 0 {
		return nil, ccderr.Backup("backup has no recovery leaves", nil)
	}

	ownerBytes, err := hex.DecodeString(b.OwnerPubKey)
	if err != nil {
		return nil, ccderr.Backup("invalid hex in owner pubkey", err)
	}
	ownerPub, err := btcec.ParsePubKey(ownerBytes)
	if err != nil {
		return nil, ccderr.Backup("invalid owner pubkey in backup", err)
	}

	cosignerBytes, err := hex.DecodeString(b.CosignerPubKey)
	if err != nil {
		return nil, ccderr.Backup("invalid hex in cosigner pubkey", err)
	}
	cosignerPub, err := btcec.ParsePubKey(cosignerBytes)
	if err != nil {
		return nil, ccderr.Backup("invalid cosigner pubkey in backup", err)
	}

	ccBytes, err := hex.DecodeString(b.ChainCode)
	if err != nil || len(ccBytes) != 32 {
		return nil, ccderr.Backup("invalid chain code in backup", err)
	}
	var cc ccd.ChainCode
	copy(cc[:], ccBytes)

	dk, err := ccd.RegisterCosignerWithChainCode(cosignerPub, cc, b.Label)
	if err != nil {
		return nil, ccderr.Backup("failed to reconstruct delegated key", err)
	}

	network, err := networkByName(b.Network)
	if err != nil {
		return nil, ccderr.Backup(err.Error(), err)
	}

	disc, err := ccd.ComputeTweak(dk, b.AddressIndex)
	if err != nil {
		return nil, err
	}

	internalAgg, err := musig.KeyAggUntweaked(ownerPub, disc.DerivedPubKey)
	if err != nil {
		return nil, ccderr.Taproot("untweaked key aggregation failed", err)
	}
	internalKey := internalAgg.FinalKey

	if b.TaprootInternalKey != nil {
		want, err := hex.DecodeString(*b.TaprootInternalKey)
		if err != nil {
			return nil, ccderr.Backup("invalid hex in taproot internal key", err)
		}
		if hex.EncodeToString(schnorr.SerializePubKey(internalKey)) != hex.EncodeToString(want) {
			return nil, ccderr.Backup("reconstructed internal key does not match backup's taproot_internal_key", nil)
		}
	}

	sortedScripts := make([]leafScript, len(b.RecoveryLeaves))
	for i, bl := range b.RecoveryLeaves {
		script, err := hex.DecodeString(bl.ScriptHex)
		if err != nil {
			return nil, ccderr.Backup("invalid hex in recovery leaf script", err)
		}
		sortedScripts[i] = leafScript{Timelock: bl.TimelockBlocks, Script: script}
	}

	recoveryLeaves, merkleRoot, err := assembleRecoveryLeaves(internalKey, sortedScripts)
	if err != nil {
		return nil, err
	}

	for i, bl := range b.RecoveryLeaves {
		want, err := hex.DecodeString(bl.ControlBlockHex)
		if err != nil {
			return nil, ccderr.Backup("invalid hex in recovery leaf control block", err)
		}
		if hex.EncodeToString(recoveryLeaves[i].ControlBlock) != hex.EncodeToString(want) {
			return nil, ccderr.Backup("address mismatch: reconstructed control block does not match backup", nil)
		}
	}

	outputKey := txscript.ComputeTaprootOutputKey(internalKey, merkleRoot)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), network)
	if err != nil {
		return nil, fmt.Errorf("failed to derive taproot address: %w", err)
	}

	vault := &InheritableVault{
		OwnerPubKey:           ownerPub,
		Delegated:             dk,
		AddressIndex:          b.AddressIndex,
		CosignerDerivedPubKey: disc.DerivedPubKey,
		InternalKey:           internalKey,
		MerkleRoot:            merkleRoot,
		Timelock:              b.TimelockBlocks,
		RecoveryLeaves:        recoveryLeaves,
		Address:               addr,
		Network:               network,
	}

	if vault.Address.String() != b.VaultAddress {
		return nil, ccderr.Backup(
			fmt.Sprintf("address mismatch: reconstructed address %s does not match backup's vault address %s", vault.Address.String(), b.VaultAddress),
			nil,
		)
	}

	return vault, nil
}
