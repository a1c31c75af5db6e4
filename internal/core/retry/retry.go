// Package retry provides the delay strategy used between save attempts.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for the save loop.
const (
	DefaultMaxRetries = 5
	DefaultMaxJitter  = time.Second
)

// Policy bounds the save loop.
type Policy struct {
	// MaxRetries is the number of resolve-and-retry cycles; commits are attempted at most MaxRetries+1 times.
	MaxRetries int

	// MaxJitter is the upper bound of the random pause between attempts.
	MaxJitter time.Duration
}

// DefaultPolicy returns 5 retries with up to one second of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		MaxJitter:  DefaultMaxJitter,
	}
}

// Delayer pauses between attempts. Implementations must return ctx.Err() promptly on cancellation.
type Delayer interface {
	Delay(ctx context.Context, attempt int) error
}

// DelayFunc adapts a function to Delayer.
type DelayFunc func(ctx context.Context, attempt int) error

func (f DelayFunc) Delay(ctx context.Context, attempt int) error {
	return f(ctx, attempt)
}

// NoDelay only checks for cancellation.
var NoDelay Delayer = DelayFunc(func(ctx context.Context, _ int) error {
	return ctx.Err()
})

// Jitter sleeps a uniformly random duration in [0, max].
//
// It is an ExponentialBackOff with Multiplier 1 and RandomizationFactor 1 centred on max/2,
// so every draw is independent and never grows.
type Jitter struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

// NewJitter creates a Jitter bounded by max.
func NewJitter(max time.Duration) *Jitter {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = max / 2
	b.RandomizationFactor = 1
	b.Multiplier = 1
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return &Jitter{b: b}
}

// Next returns the next random pause.
func (j *Jitter) Next() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	d := j.b.NextBackOff()
	if d < 0 {
		return 0
	}
	return d
}

// Delay sleeps for Next() or until ctx is done.
func (j *Jitter) Delay(ctx context.Context, _ int) error {
	return Sleep(ctx, j.Next())
}

// Sleep waits d, returning early with ctx.Err() when ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
