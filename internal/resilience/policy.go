// Package resilience guards calls to outbound systems such as the CRM task
// mirror with retries and a circuit breaker.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a retry schedule with exponential backoff and jitter.
type Policy struct {
	// Attempts counts the first try. 1 disables retries.
	Attempts   int
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	// Jitter spreads each delay by ±Jitter of itself.
	Jitter float64
}

// DefaultPolicy is three attempts starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Base:       500 * time.Millisecond,
		Cap:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// PolicyFrom builds a Policy from config values. Non-positive values keep
// the defaults; a negative jitter disables jitter.
func PolicyFrom(attempts, baseMs, capMs int, multiplier, jitter float64) Policy {
	p := DefaultPolicy()
	if attempts > 0 {
		p.Attempts = attempts
	}
	if baseMs > 0 {
		p.Base = time.Duration(baseMs) * time.Millisecond
	}
	if capMs > 0 {
		p.Cap = time.Duration(capMs) * time.Millisecond
	}
	if multiplier > 0 {
		p.Multiplier = multiplier
	}
	p.Jitter = max(jitter, 0)
	return p
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Cap < p.Base {
		p.Cap = max(d.Cap, p.Base)
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// delay is the wait before retry number n (0-based). u is a uniform sample
// in [0, 1).
func (p Policy) delay(n int, u float64) time.Duration {
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(n))
	d = min(d, float64(p.Cap))
	d += d * p.Jitter * (2*u - 1)
	return time.Duration(max(d, 0))
}

// Retry runs fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. The last error is returned. onRetry may
// be nil.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, onRetry func(attempt int, err error),
	fn func(ctx context.Context) error,
) error {
	p = p.normalized()
	if retryable == nil {
		retryable = IsTransient
	}

	var err error
	for n := 0; n < p.Attempts; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) || n == p.Attempts-1 {
			return err
		}
		if onRetry != nil {
			onRetry(n+1, err)
		}

		t := time.NewTimer(p.delay(n, rand.Float64()))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
