package llm

import (
	"math/rand/v2"
	"time"
)

// RetryConfig bounds per-endpoint retry behavior.
type RetryConfig struct {
	// MaxAttempts caps attempts against a single endpoint.
	MaxAttempts int

	// BackoffBase is the pause after the first failure.
	BackoffBase time.Duration

	// BackoffMultiplier grows the pause on each subsequent failure.
	BackoffMultiplier float64

	// MaxBackoff caps the pause.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// delay computes the pause before the next attempt: exponential growth
// capped at MaxBackoff, with 25% jitter so concurrent clients do not
// retry in lockstep.
func (r RetryConfig) delay(attempt int) time.Duration {
	d := float64(r.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= r.BackoffMultiplier
	}
	if ceiling := float64(r.MaxBackoff); d > ceiling {
		d = ceiling
	}
	jitter := d * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}
