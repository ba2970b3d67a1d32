// Package retry runs an operation under a bounded attempt budget with a
// delay between failed attempts.
//
// The sleeper is injected so callers can drive the loop without real time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last attempt error once the budget is spent.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds the loop: at most MaxAttempts calls with Interval between
// two consecutive ones.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("retry: interval must not be negative, got %v", p.Interval)
	}
	return nil
}

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
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

// Outcome is the terminal result of Do. Err is nil on success.
type Outcome struct {
	Attempts int
	Err      error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Hooks observe the loop. Any field may be nil.
type Hooks struct {
	// OnFailure runs after a failed attempt. next is zero on the final attempt.
	OnFailure func(attempt int, err error, next time.Duration)
}

// Runner owns the policy and sleeper for repeated use.
type Runner struct {
	policy  Policy
	sleeper Sleeper
	hooks   Hooks
}

func NewRunner(policy Policy, sleeper Sleeper, hooks Hooks) *Runner {
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	return &Runner{
		policy:  policy,
		sleeper: sleeper,
		hooks:   hooks,
	}
}

// Do calls op until it succeeds, the budget is spent, or ctx is done.
// Attempts are strictly sequential; there is one sleep between two attempts.
func (r *Runner) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) Outcome {
	if err := r.policy.Validate(); err != nil {
		return Outcome{Err: err}
	}
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1, Err: terminal(lastErr, err)}
		}
		err := op(ctx, attempt)
		if err == nil {
			return Outcome{Attempts: attempt}
		}
		lastErr = err

		final := attempt == r.policy.MaxAttempts
		var delay time.Duration
		if !final {
			delay = r.policy.Interval
		}
		if r.hooks.OnFailure != nil {
			r.hooks.OnFailure(attempt, err, delay)
		}
		if final {
			break
		}
		if err := r.sleeper.Sleep(ctx, delay); err != nil {
			return Outcome{Attempts: attempt, Err: terminal(lastErr, err)}
		}
	}
	return Outcome{Attempts: r.policy.MaxAttempts, Err: fmt.Errorf("%w: %w", ErrExhausted, lastErr)}
}

func terminal(last, cause error) error {
	if last == nil {
		return fmt.Errorf("retry: stopped before first attempt: %w", cause)
	}
	return fmt.Errorf("retry: stopped: %w (last error: %w)", cause, last)
}
