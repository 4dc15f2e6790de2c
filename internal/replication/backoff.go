package replication

import "time"

// Default delivery retry policy: one minute, doubling, capped at two hours.
const (
	DefaultBackoffBase = time.Minute
	DefaultBackoffMax  = 120 * time.Minute
)

// Backoff computes the delay before retry attempt n (0-based) of a failed delivery.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the default policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// Delay returns Base * 2^attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < base {
		max = base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}
