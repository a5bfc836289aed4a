package workflow

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines per-stage retry behavior with exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// A stage is attempted at most MaxRetries+1 times.
	MaxRetries int `koanf:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `koanf:"base_delay"`

	// MaxDelay caps the backoff delay. Zero means uncapped.
	MaxDelay time.Duration `koanf:"max_delay"`

	// BackoffFactor is the multiplier applied after each retry.
	BackoffFactor float64 `koanf:"backoff_factor"`

	// Jitter is a random factor (0-1) applied to each delay.
	Jitter float64 `koanf:"jitter"`
}

// DefaultRetryPolicy returns the engine default: 3 retries, 500ms base delay
// doubling each time, capped at 30s, with 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.1,
	}
}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, BackoffFactor: 1.0}
}

// Delay computes the backoff delay before retry n (1-indexed: retry 1 follows
// the first failed attempt). It is a pure function of the attempt number,
// apart from jitter.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}

	factor := math.Pow(p.BackoffFactor, float64(retry-1))
	delay := time.Duration(float64(p.BaseDelay) * factor)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// delay * [1-jitter, 1+jitter]
		delay = time.Duration(float64(delay) * (1 - p.Jitter + 2*p.Jitter*rand.Float64()))
	}

	return delay
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of attempts have been made.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts <= p.MaxRetries
}
