package fec

import (
	"bytes"
	"testing"
)

func makeDataShards(k, size int) [][]byte {
	shards := make([][]byte, k)
	for i := range shards {
		shards[i] = make([]byte, size)
		for j := range shards[i] {
			shards[i][j] = byte(i)
		}
	}
	return shards
}

// TestFEC_RecoverAnySingleDataShard checks P6: whatever single data shard
// in a block is missing, the remaining k-1 data shards plus the r parity
// shards are enough to reconstruct it.
func TestFEC_RecoverAnySingleDataShard(t *testing.T) {
	k, r := 8, 2
	dataShards := makeDataShards(k, 256)

	encoder, err := NewEncoder(k, r)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	parityShards, err := encoder.Encode(dataShards)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(parityShards) != r {
		t.Fatalf("expected %d parity shards, got %d", r, len(parityShards))
	}

	decoder, err := NewDecoder(k, r)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	for lost := 0; lost < k; lost++ {
		allShards := make([][]byte, k+r)
		copy(allShards[:k], dataShards)
		copy(allShards[k:], parityShards)
		allShards[lost] = nil

		if err := decoder.Reconstruct(allShards); err != nil {
			t.Fatalf("lost data shard %d: reconstruct failed: %v", lost, err)
		}
		if !bytes.Equal(allShards[lost], dataShards[lost]) {
			t.Errorf("lost data shard %d: reconstructed value mismatch", lost)
		}
	}
}

// TestFEC_RecoverMissingParity checks that a missing parity shard itself
// can be reconstructed from the data shards it covers.
func TestFEC_RecoverMissingParity(t *testing.T) {
	k, r := 8, 2
	dataShards := makeDataShards(k, 64)

	encoder, _ := NewEncoder(k, r)
	parityShards, _ := encoder.Encode(dataShards)

	allShards := make([][]byte, k+r)
	copy(allShards[:k], dataShards)
	copy(allShards[k:], parityShards)
	allShards[k+1] = nil

	decoder, _ := NewDecoder(k, r)
	if err := decoder.Reconstruct(allShards); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if !bytes.Equal(allShards[k+1], parityShards[1]) {
		t.Error("reconstructed parity shard does not match original")
	}
}

func TestFEC_TooManyLost(t *testing.T) {
	k, r := 8, 2
	dataShards := makeDataShards(k, 1024)

	encoder, _ := NewEncoder(k, r)
	parityShards, _ := encoder.Encode(dataShards)

	allShards := make([][]byte, k+r)
	copy(allShards[:k], dataShards)
	copy(allShards[k:], parityShards)

	// Mark 3 shards as lost (more than r=2).
	allShards[1] = nil
	allShards[3] = nil
	allShards[7] = nil

	decoder, _ := NewDecoder(k, r)
	if err := decoder.Reconstruct(allShards); err == nil {
		t.Error("expected error when more shards are lost than r")
	}
}

func TestFEC_NoMissing(t *testing.T) {
	k, r := 8, 2
	dataShards := makeDataShards(k, 1024)

	encoder, _ := NewEncoder(k, r)
	parityShards, _ := encoder.Encode(dataShards)

	allShards := make([][]byte, k+r)
	copy(allShards[:k], dataShards)
	copy(allShards[k:], parityShards)

	decoder, _ := NewDecoder(k, r)
	if err := decoder.Reconstruct(allShards); err != nil {
		t.Errorf("reconstruction should succeed with no missing shards: %v", err)
	}
}

func TestFEC_InvalidParameters(t *testing.T) {
	if _, err := NewEncoder(0, 2); err == nil {
		t.Error("expected error for k=0")
	}
	if _, err := NewEncoder(300, 2); err == nil {
		t.Error("expected error for k=300")
	}
	if _, err := NewEncoder(8, 0); err == nil {
		t.Error("expected error for r=0")
	}
	if _, err := NewEncoder(8, 300); err == nil {
		t.Error("expected error for r=300")
	}
}

func TestFEC_ShardSizeMismatch(t *testing.T) {
	encoder, _ := NewEncoder(4, 2)
	dataShards := [][]byte{
		make([]byte, 16),
		make([]byte, 16),
		make([]byte, 8),
		make([]byte, 16),
	}
	if _, err := encoder.Encode(dataShards); err == nil {
		t.Error("expected error for mismatched shard sizes")
	}
}
