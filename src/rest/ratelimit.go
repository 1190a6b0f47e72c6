package rest

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// GlobalBucketKey is the shared bucket every request passes through in
// addition to its route bucket.
const GlobalBucketKey = "global"

// Bucket tracks the server-declared request budget for one route.
// Remaining never goes negative from our own accounting; callers wait on
// ResetAt before another slot opens up.
type Bucket struct {
	mu        sync.Mutex
	Key       string
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration
	Global    bool
}

// waitUntil reports how long a caller has to suspend before a slot could
// be available. Zero means a slot is available right now.
func (b *Bucket) waitUntil(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Remaining > 0 || now.After(b.ResetAt) {
		return 0
	}
	return b.ResetAt.Sub(now)
}

// tryTake consumes one slot if available, replenishing the bucket first
// when its reset time has passed.
func (b *Bucket) tryTake(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Remaining <= 0 && now.After(b.ResetAt) {
		b.Remaining = b.Limit
		if b.Remaining < 1 {
			// A zero limit would make the bucket unpassable and spin
			// Acquire; grant one slot per window instead.
			b.Remaining = 1
		}
		if b.Window > 0 {
			b.ResetAt = now.Add(b.Window)
		}
	}
	if b.Remaining <= 0 {
		return false
	}
	b.Remaining--
	return true
}

// give returns a previously taken slot, used when the global check fails
// after the route bucket already granted one.
func (b *Bucket) give() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Remaining < b.Limit {
		b.Remaining++
	}
}

// deplete zeroes the bucket until the given reset time. Used when the
// server reports the bucket exceeded out-of-band of our accounting.
func (b *Bucket) deplete(resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Remaining = 0
	if resetAt.After(b.ResetAt) {
		b.ResetAt = resetAt
	}
}

// RateLimiter gates outgoing requests against per-route buckets plus one
// shared global bucket. It is owned by a REST client instance so two
// clients in one process never share limiter state.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	global  *Bucket
	log     *slog.Logger
}

func NewRateLimiter(log *slog.Logger) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*Bucket),
		global: &Bucket{
			Key:       GlobalBucketKey,
			Limit:     1,
			Remaining: 1,
			Global:    true,
		},
		log: log,
	}
}

// Bucket returns the bucket for key, creating it on first use. A fresh
// bucket starts with a single slot; real limits arrive with the first
// response through Update.
func (rl *RateLimiter) Bucket(key string) *Bucket {
	if key == GlobalBucketKey {
		return rl.global
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &Bucket{Key: key, Limit: 1, Remaining: 1}
		rl.buckets[key] = b
	}
	return b
}

// Acquire blocks until a slot is available in both the named bucket and
// the global bucket, then consumes one from each. It computes the exact
// remaining wait instead of polling.
func (rl *RateLimiter) Acquire(ctx context.Context, key string) error {
	b := rl.Bucket(key)
	g := rl.global
	for {
		now := time.Now()
		wait := b.waitUntil(now)
		if gw := g.waitUntil(now); gw > wait {
			wait = gw
		}
		if wait <= 0 {
			if !b.tryTake(now) {
				continue
			}
			if !g.tryTake(now) {
				b.give()
				continue
			}
			return nil
		}
		rl.log.Debug("rate limit wait", "bucket", key, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Update overwrites a bucket's budget from the limit headers of a
// response. On 429 the bucket (or the global bucket, when flagged) is
// depleted until the server's retry hint, which is honored even when it
// exceeds the locally tracked reset time.
func (rl *RateLimiter) Update(key string, resp *http.Response) {
	if resp == nil {
		return
	}
	now := time.Now()
	b := rl.Bucket(key)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp)
		target := b
		if isGlobal(resp) {
			target = rl.global
		}
		target.deplete(now.Add(retryAfter))
		rl.log.Warn("rate limit exceeded server-side",
			"bucket", target.Key, "retry_after", retryAfter)
		return
	}

	limit, lok := headerInt(resp, "X-RateLimit-Limit")
	remaining, rok := headerInt(resp, "X-RateLimit-Remaining")
	resetAfter, aok := headerSeconds(resp, "X-RateLimit-Reset-After")

	b.mu.Lock()
	defer b.mu.Unlock()
	if lok {
		b.Limit = limit
	}
	if rok {
		b.Remaining = remaining
	}
	if aok {
		b.Window = resetAfter
		b.ResetAt = now.Add(resetAfter)
	}
	b.Global = isGlobal(resp)
}

// parseRetryAfter reads a 429's retry hint. Servers send either a
// Retry-After header in whole seconds or an X-RateLimit-Reset-After with
// sub-second precision.
func parseRetryAfter(resp *http.Response) time.Duration {
	if d, ok := headerSeconds(resp, "X-RateLimit-Reset-After"); ok {
		return d
	}
	if d, ok := headerSeconds(resp, "Retry-After"); ok {
		return d
	}
	return time.Second
}

func isGlobal(resp *http.Response) bool {
	return resp.Header.Get("X-RateLimit-Global") == "true"
}

func headerInt(resp *http.Response, name string) (int, bool) {
	v := resp.Header.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func headerSeconds(resp *http.Response, name string) (time.Duration, bool) {
	v := resp.Header.Get(name)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
