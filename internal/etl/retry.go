package etl

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how often a chunk is resubmitted after a transient failure.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// DefaultRetryPolicy is used when a Deliverer has no policy configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	Multiplier:      2,
	Jitter:          true,
}

// Backoff returns the wait before the attempt following attempt (zero based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(p.InitialInterval) * math.Pow(mult, float64(attempt))
	if p.MaxInterval > 0 && backoff > float64(p.MaxInterval) {
		backoff = float64(p.MaxInterval)
	}
	d := time.Duration(backoff)
	if p.Jitter {
		d += time.Duration(rand.Float64() * float64(d) * 0.1) // 10% jitter
	}
	return d
}

// retry runs op until it succeeds, fails permanently or attempts run out.
// It returns the number of attempts made.
func retry(ctx context.Context, p RetryPolicy, logger *zap.Logger, op func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 0 {
				logger.Debug("chunk succeeded after retries", zap.Int("attempt", attempt+1))
			}
			return attempt + 1, nil
		}
		if !IsTransient(lastErr) || attempt == maxAttempts-1 {
			return attempt + 1, lastErr
		}

		wait := p.Backoff(attempt)
		logger.Debug("chunk failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(lastErr))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, lastErr
		case <-t.C:
		}
	}
	return maxAttempts, lastErr
}
