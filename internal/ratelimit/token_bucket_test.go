package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 0.5)

	for i := 0; i < 2; i++ {
		allowed, wait, err := bucket.Allow(ctx, "profile-a")
		if err != nil || !allowed || wait != 0 {
			t.Fatalf("token %d: allowed=%v wait=%v err=%v", i+1, allowed, wait, err)
		}
	}
	allowed, wait, err := bucket.Allow(ctx, "profile-a")
	if err != nil || allowed {
		t.Fatalf("expected third token to be rejected, allowed=%v err=%v", allowed, err)
	}
	// Half a token per second, so the next one is at most two seconds out.
	if wait <= 0 || wait > 2*time.Second {
		t.Fatalf("unexpected wait %v", wait)
	}

	if allowed, _, _ := bucket.Allow(ctx, "profile-b"); !allowed {
		t.Fatalf("expected other profile to have its own bucket")
	}
	if !mr.Exists("rl:binding:profile-a") || mr.TTL("rl:binding:profile-a") <= 0 {
		t.Fatalf("expected bucket key with idle expiry")
	}
}

func TestTokenBucketRefund(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0.001)

	if allowed, _, _ := bucket.Allow(ctx, "profile"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "profile"); allowed {
		t.Fatalf("expected bucket to be empty")
	}
	if err := bucket.Refund(ctx, "profile"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if allowed, _, _ := bucket.Allow(ctx, "profile"); !allowed {
		t.Fatalf("expected refunded token to be available")
	}
	// Refunds never overfill.
	if err := bucket.Refund(ctx, "profile"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := bucket.Refund(ctx, "profile"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	bucket.Allow(ctx, "profile")
	if allowed, _, _ := bucket.Allow(ctx, "profile"); allowed {
		t.Fatalf("expected capacity to cap refunds")
	}
}

func TestTokenBucketFractionalLevel(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 1, 0.001)
	clock := time.UnixMilli(1_760_000_000_000)
	bucket.now = func() time.Time { return clock }

	if allowed, _, _ := bucket.Allow(ctx, "profile"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	// One millisecond at 0.001 tokens per second leaves a level of 1e-6.
	clock = clock.Add(time.Millisecond)
	allowed, _, err := bucket.Allow(ctx, "profile")
	if err != nil || allowed {
		t.Fatalf("expected rejection, allowed=%v err=%v", allowed, err)
	}
	if level := mr.HGet("rl:binding:profile", "level"); strings.ContainsAny(level, "eE") {
		t.Fatalf("level stored in exponent form: %q", level)
	}

	if err := bucket.Refund(ctx, "profile"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	allowed, _, err = bucket.Allow(ctx, "profile")
	if err != nil || !allowed {
		t.Fatalf("expected refunded token, allowed=%v err=%v", allowed, err)
	}
}

func TestTokenBucketUnreadableLevelCountsAsFull(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)
	mr.HSet("rl:binding:profile", "level", "garbage")

	if err := bucket.Refund(ctx, "profile"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	for i := 0; i < 2; i++ {
		allowed, _, err := bucket.Allow(ctx, "profile")
		if err != nil || !allowed {
			t.Fatalf("token %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
}

func TestNilBucketAllowsEverything(t *testing.T) {
	var bucket *TokenBucket
	allowed, _, err := bucket.Allow(context.Background(), "any")
	if err != nil || !allowed {
		t.Fatalf("nil bucket must allow, got allowed=%v err=%v", allowed, err)
	}
}
