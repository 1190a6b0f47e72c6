package rest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func limitedResponse(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h}
}

func TestAcquireFreshBucketDoesNotBlock(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	start := time.Now()
	require.NoError(t, rl.Acquire(context.Background(), "GET:/users/@me"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestUpdateOverwritesBucketFromHeaders(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	rl.Update("GET:/channels/1", limitedResponse(http.StatusOK, map[string]string{
		"X-RateLimit-Limit":       "5",
		"X-RateLimit-Remaining":   "3",
		"X-RateLimit-Reset-After": "2.5",
	}))

	b := rl.Bucket("GET:/channels/1")
	assert.Equal(t, 5, b.Limit)
	assert.Equal(t, 3, b.Remaining)
	assert.Equal(t, 2500*time.Millisecond, b.Window)
	assert.WithinDuration(t, time.Now().Add(2500*time.Millisecond), b.ResetAt, 100*time.Millisecond)
}

func TestAcquireWaitsForBucketReset(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	b := rl.Bucket("GET:/guilds/1")
	b.Limit = 1
	b.Remaining = 0
	b.Window = 60 * time.Millisecond
	b.ResetAt = time.Now().Add(60 * time.Millisecond)

	start := time.Now()
	require.NoError(t, rl.Acquire(context.Background(), "GET:/guilds/1"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBucketsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	blocked := rl.Bucket("GET:/guilds/1")
	blocked.Limit = 1
	blocked.Remaining = 0
	blocked.Window = time.Minute
	blocked.ResetAt = time.Now().Add(time.Minute)

	// A depleted bucket must not slow any other route down.
	start := time.Now()
	require.NoError(t, rl.Acquire(context.Background(), "GET:/channels/2"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGlobalBucketGatesEveryRoute(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	rl.Bucket(GlobalBucketKey).deplete(time.Now().Add(70 * time.Millisecond))

	start := time.Now()
	require.NoError(t, rl.Acquire(context.Background(), "GET:/channels/9"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestUpdateOn429DepletesUntilRetryHint(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	rl.Update("POST:/channels/1/messages", limitedResponse(http.StatusTooManyRequests, map[string]string{
		"Retry-After": "1.5",
	}))

	b := rl.Bucket("POST:/channels/1/messages")
	assert.Equal(t, 0, b.Remaining)
	assert.WithinDuration(t, time.Now().Add(1500*time.Millisecond), b.ResetAt, 100*time.Millisecond)
}

func TestUpdateOn429GlobalDepletesGlobalBucket(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	rl.Update("GET:/users/@me", limitedResponse(http.StatusTooManyRequests, map[string]string{
		"Retry-After":        "2",
		"X-RateLimit-Global": "true",
	}))

	assert.Equal(t, 0, rl.Bucket(GlobalBucketKey).Remaining)
	// The route bucket itself stays untouched.
	assert.Equal(t, 1, rl.Bucket("GET:/users/@me").Remaining)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	b := rl.Bucket("GET:/guilds/1")
	b.Limit = 1
	b.Remaining = 0
	b.Window = time.Minute
	b.ResetAt = time.Now().Add(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := rl.Acquire(ctx, "GET:/guilds/1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestZeroLimitBucketSuspendsInsteadOfSpinning(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	rl.Update("GET:/odd/route", limitedResponse(http.StatusOK, map[string]string{
		"X-RateLimit-Limit":       "0",
		"X-RateLimit-Remaining":   "0",
		"X-RateLimit-Reset-After": "0.05",
	}))

	// An advertised limit of zero must not turn Acquire into a busy
	// loop: the bucket grants one slot per window once the reset time
	// has passed.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, rl.Acquire(ctx, "GET:/odd/route"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	// The next slot only opens after another full window.
	start = time.Now()
	require.NoError(t, rl.Acquire(ctx, "GET:/odd/route"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestConcurrentAcquireNeverOversends(t *testing.T) {
	rl := NewRateLimiter(testLogger())
	b := rl.Bucket("GET:/guilds/1")
	b.Limit = 3
	b.Remaining = 3
	b.Window = time.Minute
	b.ResetAt = time.Now().Add(time.Minute)
	// Widen the global bucket so only the route bucket gates.
	g := rl.Bucket(GlobalBucketKey)
	g.Limit = 100
	g.Remaining = 100
	g.Window = time.Minute
	g.ResetAt = time.Now().Add(time.Minute)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			if rl.Acquire(ctx, "GET:/guilds/1") == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), granted.Load())
}
