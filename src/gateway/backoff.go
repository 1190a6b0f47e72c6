package gateway

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces bounded exponential reconnect delays with full
// jitter: base 1s, doubled per failed attempt, capped at 60s, and each
// delay drawn uniformly from (0, cap].
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	attempt int
}

func NewBackoff() *Backoff {
	return &Backoff{
		base: time.Second,
		max:  60 * time.Second,
	}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	return time.Duration(rand.Int63n(int64(d))) + time.Millisecond
}

// Reset returns the delay to the base after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
