// Package poll implements the bounded, fixed-cadence polling primitive that every
// "wait for" operation of the harness is built on.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const DefaultInterval = 100 * time.Millisecond

var (
	ErrInvalidConfig = errors.New("poll: invalid config")
	ErrTimeout       = errors.New("poll: timeout")
)

// Status tags the outcome of a single attempt.
type Status int

const (
	Pending Status = iota
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is what an attempt reports after one round of work.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

func Done[T any](v T) Result[T] {
	return Result[T]{Status: Completed, Value: v}
}

func NotYet[T any]() Result[T] {
	return Result[T]{Status: Pending}
}

func Fail[T any](err error) Result[T] {
	return Result[T]{Status: Failed, Err: err}
}

// Attempt performs one round of work. It may have side effects (issuing status
// requests, consuming feed entries) but must leave the system under test in a
// state where running it again is harmless.
type Attempt[T any] func(ctx context.Context) Result[T]

// Recorder receives polling telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	PollAttempt(what string)
	PollTimeout(what string)
	ObserveWait(what string, d time.Duration)
}

type Config struct {
	Timeout  time.Duration
	Interval time.Duration

	// Description names the awaited condition and ends up in TimeoutError.
	Description string
	// Label names the condition to the Recorder. It must not vary per call
	// (no hashes or heights). Defaults to Description.
	Label string

	Recorder Recorder
	Now      func() time.Time
}

// TimeoutError is returned when the attempt never completed in time.
type TimeoutError struct {
	What    string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "poll: nil timeout error"
	}
	return fmt.Sprintf("poll: timed out after %s waiting for %s", e.Elapsed.Round(time.Millisecond), e.What)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Until invokes attempt until it completes, fails, or cfg.Timeout elapses. The
// attempt always runs at least once; the timeout is checked after each pending
// round and before sleeping.
func Until[T any](ctx context.Context, cfg Config, attempt Attempt[T]) (T, error) {
	var zero T
	if attempt == nil {
		return zero, fmt.Errorf("%w: nil attempt", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		return zero, fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	what := cfg.Description
	if what == "" {
		what = "condition"
	}
	label := cfg.Label
	if label == "" {
		label = what
	}

	start := now()
	for {
		if cfg.Recorder != nil {
			cfg.Recorder.PollAttempt(label)
		}
		res := attempt(ctx)
		switch res.Status {
		case Completed:
			if cfg.Recorder != nil {
				cfg.Recorder.ObserveWait(label, now().Sub(start))
			}
			return res.Value, nil
		case Failed:
			if res.Err == nil {
				return zero, fmt.Errorf("poll: %s: attempt failed", what)
			}
			return zero, res.Err
		}

		elapsed := now().Sub(start)
		if elapsed > cfg.Timeout {
			if cfg.Recorder != nil {
				cfg.Recorder.PollTimeout(label)
			}
			return zero, &TimeoutError{What: what, Elapsed: elapsed}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("poll: %s: %w", what, ctx.Err())
		case <-timer.C:
		}
	}
}

// Condition adapts a boolean check into an attempt. A check error fails the poll.
func Condition(check func(ctx context.Context) (bool, error)) Attempt[struct{}] {
	return func(ctx context.Context) Result[struct{}] {
		ok, err := check(ctx)
		if err != nil {
			return Fail[struct{}](err)
		}
		if !ok {
			return NotYet[struct{}]()
		}
		return Done(struct{}{})
	}
}

// Wait is Until for attempts that carry no value.
func Wait(ctx context.Context, cfg Config, check func(ctx context.Context) (bool, error)) error {
	_, err := Until(ctx, cfg, Condition(check))
	return err
}
