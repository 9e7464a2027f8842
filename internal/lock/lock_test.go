package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, ttl), mr
}

func TestAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 10*time.Second)

	token, ok, err := m.Acquire(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}

	_, ok, err = m.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire on held lock must fail")
	}

	// A different key is independent.
	_, ok, _ = m.Acquire(ctx, "job-2")
	if !ok {
		t.Fatal("acquire on a different key must succeed")
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 10*time.Second)

	token, ok, _ := m.Acquire(ctx, "job-1")
	if !ok {
		t.Fatal("acquire failed")
	}
	if err := m.Release(ctx, "job-1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, ok, _ = m.Acquire(ctx, "job-1")
	if !ok {
		t.Fatal("expected reacquire after release")
	}
}

func TestReleaseWrongTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 10*time.Second)

	if _, ok, _ := m.Acquire(ctx, "job-1"); !ok {
		t.Fatal("acquire failed")
	}
	// Releasing with someone else's token must not free the lease.
	if err := m.Release(ctx, "job-1", "not-the-owner"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := m.Acquire(ctx, "job-1"); ok {
		t.Fatal("lease was freed by a non-owner release")
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t, 5*time.Second)

	if _, ok, _ := m.Acquire(ctx, "job-1"); !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(6 * time.Second)
	if _, ok, _ := m.Acquire(ctx, "job-1"); !ok {
		t.Fatal("expected acquire after lease expiry")
	}
}
