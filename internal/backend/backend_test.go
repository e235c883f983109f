package backend

import (
	"testing"

	"github.com/nostring-labs/vault-core/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	mainnet := DefaultConfig(config.Mainnet)
	if mainnet.Type != TypeMempool {
		t.Errorf("mainnet default type = %s, want %s", mainnet.Type, TypeMempool)
	}
	if mainnet.MainnetURL == "" {
		t.Error("mainnet default config should carry a mainnet URL")
	}

	testnet := DefaultConfig(config.Testnet)
	if testnet.TestnetURL == "" {
		t.Error("testnet default config should carry a testnet URL")
	}
}

func TestNewSelectsBackendByType(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *Config
		wantType Type
		wantErr  bool
	}{
		{"mempool", &Config{Type: TypeMempool, MainnetURL: "https://mempool.space/api"}, TypeMempool, false},
		{"missing url", &Config{Type: TypeMempool}, "", true},
		{"unknown type", &Config{Type: Type("carrier-pigeon"), MainnetURL: "x"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg, config.Mainnet)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if b.Type() != tt.wantType {
				t.Errorf("Type() = %s, want %s", b.Type(), tt.wantType)
			}
		})
	}
}

func TestNewMempoolBackend(t *testing.T) {
	b := NewMempoolBackend("https://mempool.space/api")

	if b.Type() != TypeMempool {
		t.Errorf("Type() = %s, want mempool", b.Type())
	}
	if b.IsConnected() {
		t.Error("new backend should not report connected before Connect()")
	}
}

func TestBackendInterfaceCompliance(t *testing.T) {
	var _ Backend = (*MempoolBackend)(nil)
}
