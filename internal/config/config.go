// Package config provides the small set of knobs this vault core needs:
// which Bitcoin network to target, the heartbeat/fee/dust constants the
// spec fixes, and where to persist vault/session state on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

// NetworkType identifies which Bitcoin network a vault is built for.
type NetworkType string

const (
	Mainnet NetworkType = "bitcoin"
	Testnet NetworkType = "testnet"
	Signet  NetworkType = "signet"
	Regtest NetworkType = "regtest"
)

// Params returns the btcd chain parameters for a NetworkType.
func (n NetworkType) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", n)
	}
}

// IsTestnet reports whether this is any non-mainnet network.
func (n NetworkType) IsTestnet() bool {
	return n != Mainnet
}

// Dust and fee-rate bounds the spec fixes for every PSBT-building operation.
const (
	DustLimitSats      = 546
	MaxCheckinFeeRate  = 500 // sat/vB, hard cap on caller-supplied fee rates
	MinCheckinFeeRate  = 0   // exclusive lower bound; rate must be > 0
)

// HeartbeatConfig holds the thresholds used to decide whether an owner
// should perform a check-in self-spend before a vault's recovery leaves
// become claimable.
type HeartbeatConfig struct {
	// CheckinThreshold is the fraction of elapsed/timelock blocks at which
	// a check-in becomes recommended (but not yet urgent).
	CheckinThreshold float64 `yaml:"checkin_threshold"`

	// CriticalThreshold is the fraction at which a check-in is required.
	CriticalThreshold float64 `yaml:"critical_threshold"`

	// PollInterval is how often the application should poll block height.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultHeartbeatConfig returns the spec's suggested defaults: recommend
// a check-in at 50% of the timelock elapsed, require one at 90%.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		CheckinThreshold:  0.5,
		CriticalThreshold: 0.9,
		PollInterval:      time.Hour,
	}
}

// StorageConfig holds on-disk persistence settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// TransportConfig holds the listen address for the local JSON-RPC/WebSocket
// demo server that exposes the daemon's vault and chain-query methods.
type TransportConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the top-level configuration for a vault daemon instance.
type Config struct {
	Network   NetworkType      `yaml:"network"`
	Storage   StorageConfig    `yaml:"storage"`
	Transport TransportConfig  `yaml:"transport"`
	Logging   LoggingConfig    `yaml:"logging"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
}

// DefaultConfig returns a Config with sensible mainnet defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: Mainnet,
		Storage: StorageConfig{
			DataDir: "~/.nostring-vault",
		},
		Transport: TransportConfig{
			ListenAddr: "127.0.0.1:8420",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Heartbeat: DefaultHeartbeatConfig(),
	}
}

// ConfigFileName is the default config file name within a data directory.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from <dataDir>/config.yaml, creating a
// default file there if none exists yet.
func LoadConfig(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# nostring-vault configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
