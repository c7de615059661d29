package venue

import (
	"math/rand"
	"time"
)

const maxBackoff = 60 * time.Second

// Backoff computes reconnect delays: base doubled per attempt, capped at
// 60 s, plus up to 10% uniform jitter against thundering herds.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int

	rng *rand.Rand
}

// NewBackoff builds a backoff policy. A nil source uses the global one.
func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	return &Backoff{Base: base, MaxAttempts: maxAttempts}
}

// Seed makes delays deterministic for tests.
func (b *Backoff) Seed(seed int64) {
	b.rng = rand.New(rand.NewSource(seed))
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay + b.jitter(delay)
}

// Exhausted reports whether attempt n exceeds the retry budget and the
// session must enter degraded mode.
func (b *Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}

func (b *Backoff) jitter(delay time.Duration) time.Duration {
	limit := int64(delay / 10)
	if limit <= 0 {
		return 0
	}
	if b.rng != nil {
		return time.Duration(b.rng.Int63n(limit))
	}
	return time.Duration(rand.Int63n(limit))
}
