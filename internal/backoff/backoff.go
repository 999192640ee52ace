// Package backoff computes reconnection waits: exponential growth from a
// base interval with up to 20% extra jitter, capped at a ceiling.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Jitter is the default jitter fraction added on top of the interval.
const Jitter = 0.2

// Default backoff configuration values.
const (
	DefaultBase    = 500 * time.Millisecond
	DefaultCeiling = 30 * time.Second
)

// Interval returns the un-jittered wait before retry number attempt
// (attempt 1 is the first retry): base doubled attempt-1 times, capped at
// ceiling. Non-positive attempts yield 0.
func Interval(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Delay is Interval plus upward jitter of up to jitter*interval, drawn from
// a source seeded with seed and capped at the ceiling. The result is never
// below Interval, and the same inputs always produce the same delay.
func Delay(attempt int, base, ceiling time.Duration, jitter float64, seed int64) time.Duration {
	d := Interval(attempt, base, ceiling)
	if d == 0 || jitter <= 0 {
		return d
	}
	if ceiling < base {
		ceiling = base
	}
	r := rand.New(rand.NewSource(seed))
	d += time.Duration(float64(d) * jitter * r.Float64())
	if d > ceiling {
		return ceiling
	}
	return d
}

// Backoff tracks consecutive failures. It is not safe for concurrent use;
// the transport owns one instance.
type Backoff struct {
	base    time.Duration
	ceiling time.Duration
	jitter  float64
	attempt int
	last    time.Duration
	rnd     *rand.Rand
}

// New creates a backoff with the given base and ceiling.
func New(base, ceiling time.Duration) *Backoff {
	return NewSeeded(base, ceiling, time.Now().UnixNano())
}

// NewSeeded is New with a fixed jitter seed.
func NewSeeded(base, ceiling time.Duration, seed int64) *Backoff {
	if base <= 0 {
		base = DefaultBase
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Backoff{
		base:    base,
		ceiling: ceiling,
		jitter:  Jitter,
		rnd:     rand.New(rand.NewSource(seed)),
	}
}

// Next records a failure and returns the wait before the next try. Waits
// within one failure run never decrease.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	d := Delay(b.attempt, b.base, b.ceiling, b.jitter, b.rnd.Int63())
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Attempt returns the number of consecutive failures recorded.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the failure count after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
