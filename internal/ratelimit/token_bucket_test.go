package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity, slow, critical int) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, slow, critical, time.Second), mr
}

func TestReserveTiers(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 30, 20, 10)
	if err := bucket.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}

	// Tokens 29..20 are full speed.
	for i := 0; i < 10; i++ {
		d, err := bucket.Reserve(ctx)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if d.Tier != TierFull {
			t.Fatalf("token %d: expected full tier, got %s", d.Tokens, d.Tier)
		}
		if d.Wait != 0 {
			t.Fatalf("full tier must not wait, got %s", d.Wait)
		}
	}

	// Tokens 19..10 are slow mode with bounded jitter.
	for i := 0; i < 10; i++ {
		d, _ := bucket.Reserve(ctx)
		if d.Tier != TierSlow {
			t.Fatalf("token %d: expected slow tier, got %s", d.Tokens, d.Tier)
		}
		if d.Wait < 150*time.Millisecond || d.Wait > 350*time.Millisecond {
			t.Fatalf("slow wait out of range: %s", d.Wait)
		}
	}

	// Everything below the critical threshold throttles hard.
	d, _ := bucket.Reserve(ctx)
	if d.Tier != TierCritical {
		t.Fatalf("expected critical tier, got %s", d.Tier)
	}
	if d.Wait < 400*time.Millisecond || d.Wait > 800*time.Millisecond {
		t.Fatalf("critical wait out of range: %s", d.Wait)
	}
}

func TestReserveNeverBlocksAndNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 2, 2, 1)
	if err := bucket.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}

	// Drain well past empty. The counter clamps at zero; the bucket keeps
	// answering with critical-tier delays rather than wedging.
	var last Decision
	for i := 0; i < 10; i++ {
		d, err := bucket.Reserve(ctx)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if d.Tokens < 0 {
			t.Fatalf("token count went negative: %d", d.Tokens)
		}
		last = d
	}
	if last.Tokens != 0 {
		t.Fatalf("expected exhausted bucket to sit at 0, got %d", last.Tokens)
	}
	if last.Tier != TierCritical {
		t.Fatalf("expected critical tier when exhausted, got %s", last.Tier)
	}
}

func TestRefillRestoresExhaustedBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 30, 20, 10)
	if err := bucket.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}

	for i := 0; i < 40; i++ {
		if _, err := bucket.Reserve(ctx); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if err := bucket.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}
	tokens, err := bucket.Tokens(ctx)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if tokens != 30 {
		t.Fatalf("expected refill to capacity 30, got %d", tokens)
	}
}

func TestTokensOnEmptyBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 30, 20, 10)

	tokens, err := bucket.Tokens(ctx)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if tokens != 0 {
		t.Fatalf("expected 0 for unseeded bucket, got %d", tokens)
	}
}
