// Package resilience provides retry-with-backoff and circuit breakers for remote-facing calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
)

// Strategy - Backoff delay growth between attempts.
type Strategy string

// Backoff strategies.
const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// RetryPolicy - Retry behavior.
type RetryPolicy struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts  int
	Strategy     Strategy
	InitialDelay time.Duration
	// MaxDelay caps the delay before jitter. Zero means no cap.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor, 2 if unset.
	Multiplier float64
	// Jitter is the maximum random deviation as a fraction of the delay (0-1).
	Jitter float64
	// Retryable selects which errors are retried. Nil retries everything except
	// authentication, validation and context errors.
	Retryable func(err error) bool
}

// PolicyFromConfig - Build a policy from the retry config section.
func PolicyFromConfig(config common.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  config.MaxAttempts,
		Strategy:     Strategy(config.Strategy),
		InitialDelay: common.Seconds(config.InitialDelaySeconds),
		MaxDelay:     common.Seconds(config.MaxDelaySeconds),
		Multiplier:   config.Multiplier,
		Jitter:       config.Jitter,
	}
}

// DefaultRetryable - Errors not worth retrying are authentication and validation failures and cancellation.
func DefaultRetryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrAuthentication),
		errors.Is(err, common.ErrCommandValidation),
		errors.Is(err, common.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Delay - Delay before the given retry (1 is the delay after the first failed attempt), without jitter.
func (policy RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	var delay float64
	base := float64(policy.InitialDelay)
	switch policy.Strategy {
	case StrategyFixed:
		delay = base
	case StrategyLinear:
		delay = base * float64(retry)
	default:
		multiplier := policy.Multiplier
		if multiplier < 1 {
			multiplier = 2
		}
		delay = base * math.Pow(multiplier, float64(retry-1))
	}
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	return time.Duration(delay)
}

// Retrier - Runs operations under a retry policy.
type Retrier struct {
	Policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// NewRetrier - Create a retrier.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{
		Policy: policy,
		sleep:  sleepContext,
		random: rand.Float64,
	}
}

// Do - Run fn until it succeeds, fails with a non-retryable error or attempts run out.
// Exhaustion gives an ErrRetryExhausted error wrapping the last failure.
func (retrier *Retrier) Do(ctx context.Context, device string, op string, fn func(ctx context.Context, attempt int) error) error {
	policy := retrier.Policy
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		wait := retrier.jittered(policy.Delay(attempt))
		log.WithError(err).WithFields(log.Fields{
			"device":  device,
			"op":      op,
			"attempt": attempt,
			"wait":    wait,
		}).Debug("Attempt failed, retrying")
		if err := retrier.sleep(ctx, wait); err != nil {
			return err
		}
	}

	exhausted := common.NewError(common.ErrRetryExhausted, device, op, lastErr)
	exhausted.Detail = fmt.Sprintf("%v attempts", maxAttempts)
	return exhausted
}

func (retrier *Retrier) jittered(delay time.Duration) time.Duration {
	jitter := retrier.Policy.Jitter
	if jitter <= 0 || delay <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}
	// Range [delay*(1-jitter), delay*(1+jitter)]
	multiplier := 1 + (retrier.random()*2-1)*jitter
	return time.Duration(float64(delay) * multiplier)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
