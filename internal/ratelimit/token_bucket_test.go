package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(1, 3, now)

	for i := 0; i < 3; i++ {
		if !tb.AllowAt(now, 1) {
			t.Fatalf("expected token %d to be allowed", i)
		}
	}
	if tb.AllowAt(now, 1) {
		t.Error("expected bucket to be exhausted")
	}
}

func TestTokenBucket_RefillOverTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(2, 2, now) // 2 tokens/sec, burst 2

	tb.AllowAt(now, 2) // drain
	if tb.AllowAt(now, 1) {
		t.Fatal("should be empty immediately after draining")
	}

	later := now.Add(600 * time.Millisecond) // 1.2 tokens refilled
	if !tb.AllowAt(later, 1) {
		t.Error("expected a token to have refilled after 600ms at 2/sec")
	}
}

func TestTokenBucket_UnlimitedWhenRateZero(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(0, 0, now)
	for i := 0; i < 1000; i++ {
		if !tb.AllowAt(now, 100) {
			t.Fatal("rate 0 should mean unlimited")
		}
	}
}
