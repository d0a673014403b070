package fec

import (
	"testing"
	"time"
)

func TestAdaptivePolicy_EnableOnHighLoss(t *testing.T) {
	config := DefaultPolicyConfig()
	config.MinObservation = 100 * time.Millisecond // Short for testing
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := NewAdaptivePolicy(config, now)

	// Simulate high loss rate
	for i := 0; i < 10; i++ {
		policy.Update(now, 2.0) // 2% loss
	}

	now = now.Add(150 * time.Millisecond)

	// Update with high loss again to trigger state change
	policy.Update(now, 2.0)

	enabled, k, r := policy.GetParameters()
	if !enabled {
		t.Error("Policy should be enabled with 2% loss")
	}
	if k != 8 {
		t.Errorf("Expected k=8, got k=%d", k)
	}
	if r != 2 {
		t.Errorf("Expected r=2, got r=%d", r)
	}
}

func TestAdaptivePolicy_DisableOnLowLoss(t *testing.T) {
	config := DefaultPolicyConfig()
	config.MinObservation = 50 * time.Millisecond
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := NewAdaptivePolicy(config, now)

	// Enable FEC
	policy.SetEnabled(true, now)

	// Simulate low loss rate
	for i := 0; i < 10; i++ {
		policy.Update(now, 0.1) // 0.1% loss
	}

	now = now.Add(550 * time.Millisecond) // Longer wait for disable

	// Update with low loss again
	policy.Update(now, 0.1)

	enabled, _, _ := policy.GetParameters()
	if enabled {
		t.Error("Policy should be disabled with 0.1% loss")
	}
}

func TestAdaptivePolicy_AdjustParityShards(t *testing.T) {
	config := DefaultPolicyConfig()
	config.MinObservation = 50 * time.Millisecond
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := NewAdaptivePolicy(config, now)

	// Enable FEC with moderate loss
	policy.SetEnabled(true, now)

	// Simulate increasing loss rate
	for i := 0; i < 10; i++ {
		policy.Update(now, 6.0) // 6% loss
	}

	now = now.Add(100 * time.Millisecond)
	policy.Update(now, 6.0)

	_, _, r := policy.GetParameters()
	if r < 3 {
		t.Errorf("Expected r >= 3 for high loss, got r=%d", r)
	}
}

func TestAdaptivePolicy_ManualOverride(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := NewAdaptivePolicy(DefaultPolicyConfig(), now)

	// Manually enable
	policy.SetEnabled(true, now)
	enabled, _, _ := policy.GetParameters()
	if !enabled {
		t.Error("Manual enable failed")
	}

	// Manually set parity shards
	if err := policy.SetParityShards(3, now); err != nil {
		t.Fatalf("SetParityShards failed: %v", err)
	}

	_, _, r := policy.GetParameters()
	if r != 3 {
		t.Errorf("Expected r=3, got r=%d", r)
	}
}

func TestAdaptivePolicy_GetState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := NewAdaptivePolicy(DefaultPolicyConfig(), now)

	state := policy.GetState()
	if state.Enabled {
		t.Error("Policy should start disabled")
	}
	if state.K != 8 {
		t.Errorf("Expected K=8, got K=%d", state.K)
	}
	if !state.UpdatedAt.Equal(now) {
		t.Errorf("Expected UpdatedAt=%v, got %v", now, state.UpdatedAt)
	}
}

func TestAdaptivePolicy_Reset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := NewAdaptivePolicy(DefaultPolicyConfig(), now)

	// Modify state
	policy.SetEnabled(true, now)
	policy.SetParityShards(4, now)
	for i := 0; i < 10; i++ {
		policy.Update(now, 5.0)
	}

	// Reset
	now = now.Add(time.Second)
	policy.Reset(now)

	state := policy.GetState()
	if state.Enabled {
		t.Error("Policy should be disabled after reset")
	}
	if state.R != 2 {
		t.Errorf("Expected R=2 after reset, got R=%d", state.R)
	}
}
