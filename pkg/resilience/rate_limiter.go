package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrSaturated         = errors.New("no capacity available")
)

// RateLimiter is a token bucket limiting outbound call rate
type RateLimiter struct {
	rate       float64 // tokens per second
	bucketSize int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// RateLimiterConfig holds configuration for a rate limiter
type RateLimiterConfig struct {
	Rate       float64 // requests per second
	BucketSize int     // burst capacity
	Now        func() time.Time
}

// NewRateLimiter creates a new token bucket rate limiter
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.BucketSize <= 0 {
		config.BucketSize = 1
	}
	return &RateLimiter{
		rate:       config.Rate,
		bucketSize: config.BucketSize,
		tokens:     float64(config.BucketSize),
		lastUpdate: config.Now(),
		now:        config.Now,
	}
}

// Allow reports whether a call may proceed now, consuming a token if so
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	if rl.rate <= 0 {
		return time.Second, false
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second)), false
}

func (rl *RateLimiter) refill() {
	now := rl.now()
	elapsed := now.Sub(rl.lastUpdate).Seconds()
	rl.lastUpdate = now

	rl.tokens += elapsed * rl.rate
	if rl.tokens > float64(rl.bucketSize) {
		rl.tokens = float64(rl.bucketSize)
	}
}

// Tokens returns the current number of available tokens
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Semaphore bounds the number of concurrent holders
type Semaphore struct {
	sem chan struct{}
}

// NewSemaphore creates a new semaphore with the given capacity
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{
		sem: make(chan struct{}, capacity),
	}
}

// Acquire takes a slot, blocking until one frees up or ctx is done.
// A context that ends while waiting yields ErrSaturated wrapping ctx.Err().
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrSaturated, ctx.Err())
	}
}

// TryAcquire attempts to acquire without blocking
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases a semaphore slot
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
	}
}

// Available returns the number of available slots
func (s *Semaphore) Available() int {
	return cap(s.sem) - len(s.sem)
}
