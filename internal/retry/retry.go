// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

const jitterFraction = 0.2

// Policy configures Do.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration

	// Retryable decides whether an error is worth another attempt. Nil uses IsRetryable.
	Retryable func(error) bool
	// OnRetry fires before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)

	// rand returns a float in [0,1); tests replace it.
	rand func() float64
	// sleep waits for d or until ctx is done; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy mirrors the values used for generative API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// WithRand returns a copy of p whose jitter source is fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// WithSleep returns a copy of p that waits through fn.
func (p Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.InitialDelay
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// BaseDelay is the un-jittered delay before retry number attempt (1-based).
func (p Policy) BaseDelay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxDelay) || math.IsInf(base, 1) {
		base = float64(p.MaxDelay)
	}
	return time.Duration(base)
}

// CalculateDelay is BaseDelay perturbed by ±20% uniform jitter and rounded
// to the nearest millisecond.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	p = p.normalized()
	base := float64(p.BaseDelay(attempt))
	jitter := (p.rand()*2 - 1) * jitterFraction
	d := time.Duration(base * (1 + jitter))
	if d < 0 {
		d = 0
	}
	return d.Round(time.Millisecond)
}

// Do runs op until it succeeds, the policy gives up, or ctx is done. The
// error of the last attempt is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := runAttempt(ctx, p, op)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			// The caller went away; the attempt's own error is still the useful one.
			return zero, err
		}
		if attempt >= p.MaxAttempts || !p.Retryable(err) {
			return zero, err
		}
		delay := p.CalculateDelay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return zero, err
		}
	}
}

func runAttempt[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	v, err := op(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return v, &TimeoutError{After: p.AttemptTimeout, Err: err}
	}
	return v, err
}

// TimeoutError marks an attempt cut short by Policy.AttemptTimeout.
type TimeoutError struct {
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return "attempt timed out after " + e.After.String() + ": " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Retryable() bool { return true }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var retryableMarkers = []string{
	"rate limit",
	"ratelimit",
	"overloaded",
	"resource_exhausted",
	"unavailable",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"429",
	"502",
	"503",
	"504",
}

// IsRetryable is the default classifier: network and timeout failures,
// 429 and 5xx responses, and rate-limit/overload markers are retryable;
// other 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		switch {
		case code == 429, code == 408:
			return true
		case code >= 500:
			return true
		case code >= 400:
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
