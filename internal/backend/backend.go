// Package backend defines the read-only blockchain-data boundary this core
// depends on but does not implement: block-height and fee-rate queries used
// to size and confirm spends. The core's PSBT-building operations take
// UTXOs and fees as plain arguments; nothing downstream of this package
// ever touches a private key, and the daemon never round-trips address
// history or raw transactions through it — that scope belongs to whatever
// wallet software feeds UTXOs into vault.BuildSpendPSBT.
package backend

import (
	"context"
	"errors"

	"github.com/nostring-labs/vault-core/internal/config"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space-compatible API
)

// FeeEstimate contains fee estimates for different confirmation targets,
// in sat/vB.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend is the minimal read-only boundary the daemon drives: enough to
// size a spend's fee and to report chain tip height over the API, nothing
// more. No method accepts or needs a private key.
type Backend interface {
	Type() Type

	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config describes how to reach one backend instance.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	Timeout int `yaml:"timeout,omitempty"` // seconds; not read by New, whose client always uses a 30s timeout
}

// DefaultConfig returns the default public-indexer configuration for the
// given network. A vault daemon not pointed at its own full node falls
// back to mempool.space.
func DefaultConfig(network config.NetworkType) *Config {
	if network.IsTestnet() {
		return &Config{
			Type:       TypeMempool,
			MainnetURL: "https://mempool.space/testnet4/api",
			TestnetURL: "https://mempool.space/testnet4/api",
		}
	}
	return &Config{
		Type:       TypeMempool,
		MainnetURL: "https://mempool.space/api",
		TestnetURL: "https://mempool.space/api",
	}
}

// New constructs a Backend from a Config.
func New(cfg *Config, network config.NetworkType) (Backend, error) {
	url := cfg.MainnetURL
	if network.IsTestnet() {
		url = cfg.TestnetURL
	}
	if url == "" {
		return nil, ErrUnsupportedBackend
	}

	switch cfg.Type {
	case TypeMempool:
		return NewMempoolBackend(url), nil
	default:
		return nil, ErrUnsupportedBackend
	}
}
