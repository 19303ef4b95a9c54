// Package backoff provides an exponential backoff with jitter calculator.
// The core performs no automatic business retries; this package backs the
// database connection retry loop and is exported for callers implementing
// their own resubmission policy on retryable errors.
package backoff

import (
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

var timeNow = func() time.Time { return time.Now() }

// RandReader yields uniformly distributed values in [0.0, 1.0),
// the subset of math/rand/v2 the jitter needs.
type RandReader interface{ Float64() float64 }

// Backoff computes the delay for a given retry attempt. It holds no state,
// the caller tracks the attempt count (or uses Atomic).
type Backoff struct {
	Min        time.Duration // Delay of the first retry, lower bound after jitter.
	Max        time.Duration // Upper bound the growth is capped at.
	Factor     float64       // Growth per attempt, >1.0.
	Jitter     float64       // Fraction of the delay randomized, in [0.0, 1.0].
	RandSource RandReader
}

// New validates the parameters and returns the configured backoff.
// A nil randSource gets a fresh PCG-seeded source.
func New(
	min, max time.Duration, factor, jitter float64, randSource RandReader,
) (Backoff, error) {
	if min <= 0 {
		return Backoff{}, fmt.Errorf("min(%d) must be >0", min)
	}
	if min > max {
		return Backoff{}, fmt.Errorf("min(%s) > max(%s)", min, max)
	}
	if factor <= 1.0 {
		return Backoff{}, fmt.Errorf("factor(%g) must be >1.0", factor)
	}
	if jitter < 0 || jitter > 1 {
		return Backoff{}, fmt.Errorf("jitter(%g) must be >=0.0 && <=1.0", jitter)
	}
	if randSource == nil {
		randSource = rand.New(rand.NewPCG(uint64(timeNow().Unix()), rand.Uint64()))
	}
	return Backoff{
		Min:        min,
		Max:        max,
		Factor:     factor,
		Jitter:     jitter,
		RandSource: randSource,
	}, nil
}

// Duration returns the delay to wait before attempt.
// Attempt 0, the very first try, waits nothing.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	exp := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1))
	d := min(time.Duration(exp), b.Max)
	if b.Jitter == 0 {
		return d
	}
	randomJitterFactor := b.RandSource.Float64()*2 - 1 // In [-1.0, 1.0]
	delta := float64(d) * b.Jitter * randomJitterFactor
	return max(d+time.Duration(delta), b.Min)
}

// Atomic wraps a Backoff with an internal attempt counter and credits time
// the caller already spent between attempts.
type Atomic struct {
	lock         sync.Mutex
	retryAttempt int32
	lastAttempt  time.Time
	config       Backoff
}

func NewAtomic(config Backoff) *Atomic {
	return &Atomic{config: config}
}

// Reset starts counting attempts from zero again, typically after a success.
func (b *Atomic) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.lastAttempt, b.retryAttempt = time.Time{}, 0
}

// Duration returns the remaining delay before the next attempt: the
// configured backoff for the current attempt count minus the time elapsed
// since the previous call. The first attempt, or a call made after the full
// delay already passed, waits nothing.
func (b *Atomic) Duration() time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	now := timeNow()
	attempt := b.retryAttempt
	b.retryAttempt++
	d := b.config.Duration(int(attempt))
	if b.lastAttempt.IsZero() { // This is the first ever attempt.
		b.lastAttempt = now
		return d
	}
	alreadyWaited := now.Sub(b.lastAttempt)
	b.lastAttempt = now
	if alreadyWaited > d {
		return 0
	}
	return d - alreadyWaited
}

// Iter yields (attempt, delay) pairs indefinitely; the caller breaks out on
// success or cancelation.
func (b *Atomic) Iter() iter.Seq2[int, time.Duration] {
	return func(yield func(int, time.Duration) bool) {
		for i := 0; ; i++ {
			if !yield(i, b.Duration()) {
				break
			}
		}
	}
}
