package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNetworkTypeParams(t *testing.T) {
	tests := []struct {
		name    string
		network NetworkType
		wantErr bool
	}{
		{"mainnet", Mainnet, false},
		{"testnet", Testnet, false},
		{"signet", Signet, false},
		{"regtest", Regtest, false},
		{"unknown", NetworkType("dogecoin"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := tt.network.Params()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown network")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if params == nil {
				t.Fatal("expected non-nil params")
			}
		})
	}
}

func TestNetworkTypeIsTestnet(t *testing.T) {
	if Mainnet.IsTestnet() {
		t.Error("mainnet should not report IsTestnet")
	}
	for _, n := range []NetworkType{Testnet, Signet, Regtest} {
		if !n.IsTestnet() {
			t.Errorf("%s should report IsTestnet", n)
		}
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Network != Mainnet {
		t.Errorf("expected default network mainnet, got %s", cfg.Network)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}

	// Loading again should read back the same network.
	cfg2, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("second LoadConfig failed: %v", err)
	}
	if cfg2.Network != cfg.Network {
		t.Errorf("reloaded network %s != original %s", cfg2.Network, cfg.Network)
	}
}

func TestDefaultHeartbeatConfigOrdering(t *testing.T) {
	cfg := DefaultHeartbeatConfig()
	if cfg.CheckinThreshold >= cfg.CriticalThreshold {
		t.Error("checkin threshold must be below critical threshold")
	}
}
