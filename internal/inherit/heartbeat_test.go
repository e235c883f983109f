package inherit

import "testing"

func TestEvaluateHeartbeat(t *testing.T) {
	cfg := DefaultHeartbeatConfig()

	tests := []struct {
		name           string
		timelockBlocks uint32
		utxoHeight     uint32
		currentHeight  uint32
		wantAction     HeartbeatAction
	}{
		{"fresh utxo", 1000, 100, 100, Healthy},
		{"just under recommend threshold", 1000, 100, 599, Healthy},
		{"past recommend threshold", 1000, 100, 600, CheckinRecommended},
		{"past critical threshold", 1000, 100, 1000, CheckinRequired},
		{"fully elapsed", 1000, 100, 1100, Expired},
		{"zero timelock always expired", 0, 100, 100, Expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := EvaluateHeartbeat(tt.timelockBlocks, tt.utxoHeight, tt.currentHeight, cfg)
			if status.Action != tt.wantAction {
				t.Errorf("got action %v, want %v (fraction=%v)", status.Action, tt.wantAction, status.ElapsedFraction)
			}
		})
	}
}

func TestHeartbeatConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HeartbeatConfig
		wantErr bool
	}{
		{"valid", DefaultHeartbeatConfig(), false},
		{"checkin >= critical", HeartbeatConfig{CheckinThreshold: 0.9, CriticalThreshold: 0.5, PollInterval: 1}, true},
		{"zero checkin", HeartbeatConfig{CheckinThreshold: 0, CriticalThreshold: 0.9, PollInterval: 1}, true},
		{"critical over 1", HeartbeatConfig{CheckinThreshold: 0.5, CriticalThreshold: 1.5, PollInterval: 1}, true},
		{"zero poll interval", HeartbeatConfig{CheckinThreshold: 0.5, CriticalThreshold: 0.9, PollInterval: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvaluateBatchSortsMostUrgentFirst(t *testing.T) {
	cfg := DefaultHeartbeatConfig()
	vaults := []VaultHeight{
		{Vault: &InheritableVault{Timelock: 1000}, UTXOHeight: 0}, // healthy at height 100
		{Vault: &InheritableVault{Timelock: 1000}, UTXOHeight: 0}, // set below to expired
		{Vault: &InheritableVault{Timelock: 1000}, UTXOHeight: 0}, // checkin required
	}
	currentHeight := uint32(0)
	// Fabricate distinct urgencies via utxo height offsets.
	vaults[0].UTXOHeight = 950 // elapsed 50/1000 -> healthy
	vaults[1].UTXOHeight = 0   // elapsed 1000/1000 -> expired
	vaults[2].UTXOHeight = 50  // elapsed 950/1000 -> required
	currentHeight = 1000

	results := EvaluateBatch(vaults, currentHeight, cfg)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status.Action != Expired {
		t.Errorf("expected most urgent first to be Expired, got %v", results[0].Status.Action)
	}
	if results[len(results)-1].Status.Action != Healthy {
		t.Errorf("expected least urgent last to be Healthy, got %v", results[len(results)-1].Status.Action)
	}
}
