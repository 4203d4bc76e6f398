// Package retry implements small, explicit retry policies applied at each call
// site that needs them (login attempts, topic visits, push delivery).
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/linuxdo-checkin/internal/clock"
)

// BackoffFunc returns the wait before the attempt following attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Policy bounds the number of attempts and decides which errors are retryable.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	// Retryable reports whether err warrants another attempt. Nil retries
	// every error. A per-request timeout is retryable; only the caller's
	// context ends the loop.
	Retryable func(err error) bool
}

// ShouldRetry decides whether another attempt follows a failed attempt.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.attempts() {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Delay returns the wait duration after the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done. The last
// error is returned. onRetry, when non-nil, observes each failed attempt that
// will be retried along with the chosen delay.
func Do(
	ctx context.Context,
	clk clock.Clock,
	p Policy,
	fn func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error, delay time.Duration),
) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return fmt.Errorf("%w (after: %v)", ctxErr, err)
			}
			return ctxErr
		}
		err = fn(ctx, attempt)
		if err != nil && ctx.Err() != nil {
			if errors.Is(err, ctx.Err()) {
				return err
			}
			return fmt.Errorf("%w (after: %v)", ctx.Err(), err)
		}
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if sleepErr := clk.Sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry backoff: %w (after: %v)", sleepErr, err)
		}
	}
}

// Fixed waits the same duration between attempts.
func Fixed(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Uniform waits a random duration in [lo, hi] between attempts.
func Uniform(lo, hi time.Duration) BackoffFunc {
	return func(int) time.Duration {
		if hi <= lo {
			return lo
		}
		return lo + randomJitter(hi-lo)
	}
}

// Exponential doubles base per attempt up to limit, keeping half as jitter.
func Exponential(base, limit time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		delay := float64(base) * math.Pow(2, float64(attempt-1))
		if delay > float64(limit) {
			delay = float64(limit)
		}
		return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
