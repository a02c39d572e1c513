package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAllowConsumesTokens(t *testing.T) {
	rl := NewRateLimiter(10, 2)
	if !rl.Allow() {
		t.Fatal("expected first token to be available")
	}
	if !rl.Allow() {
		t.Fatal("expected second token to be available (burst=2)")
	}
	if rl.Allow() {
		t.Fatal("expected bucket to be empty after burst exhausted")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	if !rl.Allow() {
		t.Fatal("expected initial token")
	}
	if rl.Allow() {
		t.Fatal("expected bucket empty")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow() {
		t.Fatal("expected a token to have refilled after 20ms at 100/sec")
	}
}

func TestRateLimiterDefaultsOnInvalidInput(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Rate() != 10 {
		t.Errorf("rate default = %v, want 10", rl.Rate())
	}
	if rl.Burst() != 20 {
		t.Errorf("burst default = %v, want 20", rl.Burst())
	}

	rl2 := NewRateLimiter(5, 1)
	if rl2.Burst() != 1 {
		t.Errorf("burst = %v, want 1 (a positive burst below rate is kept)", rl2.Burst())
	}
}

func TestRateLimiterWaitRespectsContextCancel(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow() // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected Wait to return ctx error before a token refills")
	}
}

func TestMultiLimiterIsolatesCategories(t *testing.T) {
	ml := NewMultiLimiter()
	ml.Add("token-a", 10, 1)
	ml.Add("token-b", 10, 1)

	if !ml.Allow("token-a") {
		t.Fatal("expected token-a's first request to be allowed")
	}
	if ml.Allow("token-a") {
		t.Fatal("expected token-a to be exhausted")
	}
	if !ml.Allow("token-b") {
		t.Fatal("token-b must not share token-a's bucket")
	}
}

func TestMultiLimiterGetUnknownCategory(t *testing.T) {
	ml := NewMultiLimiter()
	if ml.Get("missing") != nil {
		t.Fatal("expected nil for a category never Add()ed")
	}
	if !ml.Allow("missing") {
		t.Fatal("expected Allow on an unknown category to fail open (no limit configured)")
	}
}
