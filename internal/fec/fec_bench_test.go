package fec

import (
	"crypto/rand"
	"testing"

	"github.com/quantarax/courier/internal/model"
)

func BenchmarkFECEncode(b *testing.B) {
	k, r := 8, 2
	dataShards := make([][]byte, k)
	for i := range dataShards {
		dataShards[i] = make([]byte, model.MaxPayloadSize)
		rand.Read(dataShards[i])
	}
	encoder, err := NewEncoder(k, r)
	if err != nil {
		b.Fatalf("NewEncoder: %v", err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(k * model.MaxPayloadSize))
	for i := 0; i < b.N; i++ {
		if _, err := encoder.Encode(dataShards); err != nil {
			b.Fatalf("Encode: %v", err)
		}
	}
}

func BenchmarkFECReconstruct(b *testing.B) {
	k, r := 8, 2
	dataShards := make([][]byte, k)
	for i := range dataShards {
		dataShards[i] = make([]byte, model.MaxPayloadSize)
		rand.Read(dataShards[i])
	}
	encoder, _ := NewEncoder(k, r)
	parityShards, err := encoder.Encode(dataShards)
	if err != nil {
		b.Fatalf("Encode: %v", err)
	}
	decoder, err := NewDecoder(k, r)
	if err != nil {
		b.Fatalf("NewDecoder: %v", err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(k * model.MaxPayloadSize))
	for i := 0; i < b.N; i++ {
		shards := make([][]byte, k+r)
		copy(shards[:k], dataShards)
		copy(shards[k:], parityShards)
		shards[0] = nil
		if err := decoder.Reconstruct(shards); err != nil {
			b.Fatalf("Reconstruct: %v", err)
		}
	}
}
