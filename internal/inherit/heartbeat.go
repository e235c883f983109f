package inherit

import (
	"errors"
	"sort"
	"time"
)

// HeartbeatConfig sets the fractions of a recovery leaf's timelock window
// at which a check-in becomes recommended, then required.
type HeartbeatConfig struct {
	CheckinThreshold  float64 // e.g. 0.5: recommend check-in past half the window
	CriticalThreshold float64 // e.g. 0.9: require check-in past this fraction
	PollInterval      time.Duration
}

// DefaultHeartbeatConfig returns the standard 50%/90% thresholds polled
// hourly.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		CheckinThreshold:  0.5,
		CriticalThreshold: 0.9,
		PollInterval:      time.Hour,
	}
}

var (
	ErrInvalidThresholds   = errors.New("inherit: thresholds must satisfy 0 < checkin < critical <= 1")
	ErrInvalidPollInterval = errors.New("inherit: poll interval must be positive")
)

// Validate checks the threshold ordering and poll interval.
func (c HeartbeatConfig) Validate() error {
	if c.CheckinThreshold <= 0 || c.CriticalThreshold <= c.CheckinThreshold || c.CriticalThreshold > 1 {
		return ErrInvalidThresholds
	}
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	return nil
}

// HeartbeatAction categorizes how urgently the owner needs to check in
// before a recovery leaf becomes spendable by heirs.
type HeartbeatAction int

const (
	Healthy HeartbeatAction = iota
	CheckinRecommended
	CheckinRequired
	Expired
)

func (a HeartbeatAction) String() string {
	switch a {
	case Healthy:
		return "healthy"
	case CheckinRecommended:
		return "checkin_recommended"
	case CheckinRequired:
		return "checkin_required"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// HeartbeatStatus is the result of evaluating one vault's UTXO age against
// its recovery timelock.
type HeartbeatStatus struct {
	Action          HeartbeatAction
	ElapsedFraction float64 // blocks_elapsed / timelock_blocks, clamped to [0, +inf)
	BlocksElapsed   uint32
	TimelockBlocks  uint32
	BlocksRemaining int64 // negative once expired
}

// EvaluateHeartbeat is a pure function comparing how many blocks have
// elapsed since utxoHeight against the vault's recovery timelock, and
// returns which action the owner should take. A zero timelock is a
// degenerate configuration (recovery always immediately spendable) and is
// always reported Expired regardless of elapsed blocks.
func EvaluateHeartbeat(timelockBlocks uint32, utxoHeight, currentHeight uint32, cfg HeartbeatConfig) HeartbeatStatus {
	var elapsed uint32
	if currentHeight > utxoHeight {
		elapsed = currentHeight - utxoHeight
	}

	if timelockBlocks == 0 {
		return HeartbeatStatus{
			Action:          Expired,
			ElapsedFraction: 1,
			BlocksElapsed:   elapsed,
			TimelockBlocks:  0,
			BlocksRemaining: -int64(elapsed),
		}
	}

	fraction := float64(elapsed) / float64(timelockBlocks)
	remaining := int64(timelockBlocks) - int64(elapsed)

	var action HeartbeatAction
	switch {
	case fraction >= 1:
		action = Expired
	case fraction >= cfg.CriticalThreshold:
		action = CheckinRequired
	case fraction >= cfg.CheckinThreshold:
		action = CheckinRecommended
	default:
		action = Healthy
	}

	return HeartbeatStatus{
		Action:          action,
		ElapsedFraction: fraction,
		BlocksElapsed:   elapsed,
		TimelockBlocks:  timelockBlocks,
		BlocksRemaining: remaining,
	}
}

// EvaluateCascadeHeartbeat evaluates a cascade vault against its primary
// (earliest, shallowest) recovery timelock — the leaf that becomes
// spendable first and therefore the one that governs check-in urgency.
func EvaluateCascadeHeartbeat(vault *InheritableVault, utxoHeight, currentHeight uint32, cfg HeartbeatConfig) HeartbeatStatus {
	return EvaluateHeartbeat(uint32(vault.Timelock), utxoHeight, currentHeight, cfg)
}

// VaultHeight pairs a vault with the block height its spendable UTXO was
// confirmed at, for batch heartbeat evaluation.
type VaultHeight struct {
	Vault     *InheritableVault
	UTXOHeight uint32
}

// BatchResult is one vault's heartbeat status alongside a reference back to
// the vault it was computed for.
type BatchResult struct {
	Vault  *InheritableVault
	Status HeartbeatStatus
}

// EvaluateBatch evaluates every vault against its own UTXO height and
// returns results sorted most-urgent-first (by Action, descending; ties
// broken by higher ElapsedFraction first).
func EvaluateBatch(vaults []VaultHeight, currentHeight uint32, cfg HeartbeatConfig) []BatchResult {
	results := make([]BatchResult, len(vaults))
	for i, vh := range vaults {
		results[i] = BatchResult{
			Vault:  vh.Vault,
			Status: EvaluateCascadeHeartbeat(vh.Vault, vh.UTXOHeight, currentHeight, cfg),
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Status.Action != results[j].Status.Action {
			return results[i].Status.Action > results[j].Status.Action
		}
		return results[i].Status.ElapsedFraction > results[j].Status.ElapsedFraction
	})

	return results
}
