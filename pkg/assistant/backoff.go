package assistant

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy controls the reconnect delay curve:
// min(Cap, Base × Growth^(attempt−1)) plus random jitter in [0, JitterMax).
type BackoffPolicy struct {
	Base      time.Duration
	Growth    float64
	Cap       time.Duration
	JitterMax time.Duration
}

// DefaultBackoff returns the reconnect policy used when none is configured.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:      2 * time.Second,
		Growth:    2,
		Cap:       30 * time.Second,
		JitterMax: time.Second,
	}
}

// Delay returns the delay before the given reconnect attempt (1-based).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	growth := b.Growth
	if growth < 1 {
		growth = 2
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 30 * time.Second
	}

	// Compute in float to avoid overflow on large attempt counts
	d := float64(base) * math.Pow(growth, float64(attempt-1))
	if d > float64(cap) || math.IsInf(d, 1) {
		d = float64(cap)
	}

	delay := time.Duration(d)
	if b.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(b.JitterMax)))
	}
	return delay
}
