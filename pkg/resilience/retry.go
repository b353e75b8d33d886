package resilience

import (
	"context"
	"errors"
	"time"
)

var ErrContextCanceled = errors.New("context canceled during retry")

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff          // delay before attempt n+1, indexed from zero
	MaxDelay    time.Duration    // 0 means uncapped
	ShouldRetry func(error) bool // nil retries every error
}

// Retryer runs an operation until it succeeds, fails permanently or runs
// out of attempts.
type Retryer struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Backoff == nil {
		config.Backoff = ExponentialBackoff{Base: 100 * time.Millisecond}
	}

	return &Retryer{config: config, sleep: sleepContext}
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts   int
	LastError  error
	TotalDelay time.Duration
	Success    bool
}

// Execute runs the given function with retry logic
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) RetryResult {
	return r.ExecuteWithCallback(ctx, fn, nil)
}

// ExecuteWithCallback runs the function with retry and calls back before each wait
func (r *Retryer) ExecuteWithCallback(
	ctx context.Context,
	fn func(context.Context) error,
	onRetry func(attempt int, err error, delay time.Duration),
) RetryResult {
	result := RetryResult{}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.LastError = ErrContextCanceled
			return result
		}

		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.LastError = nil
			return result
		}

		result.LastError = err

		if !r.shouldRetry(err) {
			return result
		}

		// No wait after the final attempt
		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt - 1)
			result.TotalDelay += delay

			if onRetry != nil {
				onRetry(attempt, err, delay)
			}

			if err := r.sleep(ctx, delay); err != nil {
				result.LastError = ErrContextCanceled
				return result
			}
		}
	}

	return result
}

// shouldRetry determines if an error should trigger a retry
func (r *Retryer) shouldRetry(err error) bool {
	if r.config.ShouldRetry != nil {
		return r.config.ShouldRetry(err)
	}
	return true
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := r.config.Backoff.Delay(attempt)
	if r.config.MaxDelay > 0 && delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
