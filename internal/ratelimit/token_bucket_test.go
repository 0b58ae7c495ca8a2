package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"graphflow-scheduler/internal/errs"
)

func TestAllowJobExhaustsCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	if err := bucket.AllowJob(ctx, "graphflow"); err != nil {
		t.Fatalf("first token: %v", err)
	}
	if err := bucket.AllowJob(ctx, "graphflow"); err != nil {
		t.Fatalf("second token: %v", err)
	}

	err = bucket.AllowJob(ctx, "graphflow")
	var rl *errs.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("third call: got %v, want RateLimitError", err)
	}
	if rl.RetryAfter != time.Second {
		t.Fatalf("retry after = %s, want 1s at 1 token/s", rl.RetryAfter)
	}
	if !errs.IsRetryable(err) {
		t.Fatal("rate limit error must classify as retryable")
	}

	// Buckets are keyed per job type; a different type still has tokens.
	if err := bucket.AllowJob(ctx, "single_shot"); err != nil {
		t.Fatalf("other job type: %v", err)
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}
