package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketPerUser(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := New(client, 2, 1, time.Minute)

	allowed, _, err := bucket.AllowUser(ctx, "u1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.AllowUser(ctx, "u1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.AllowUser(ctx, "u1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Buckets are keyed per user, so a different user still has capacity.
	allowed, _, _ = bucket.AllowUser(ctx, "u2")
	if !allowed {
		t.Fatalf("expected a fresh user to be allowed")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
