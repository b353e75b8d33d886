package resilience

import (
	"math"
	"time"
)

// Backoff computes the wait before a retry attempt
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff waits Base * 2^attempt, capped at Max when set.
// Attempts are counted from zero.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// QuadraticBackoff waits attempt^2 * Unit. Attempts are counted from one.
type QuadraticBackoff struct {
	Unit time.Duration
}

func (b QuadraticBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(attempt*attempt) * b.Unit
}

// ConstantBackoff always waits the same amount
type ConstantBackoff time.Duration

func (b ConstantBackoff) Delay(int) time.Duration {
	return time.Duration(b)
}
