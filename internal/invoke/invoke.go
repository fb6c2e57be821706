// Package invoke runs outbound provider calls under a bounded exponential
// backoff and normalizes every terminal failure into an *Error.
package invoke

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"
)

// Status values reported to an Observer.
const (
	StatusRequested = "requested"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event describes one state change of a call.
type Event struct {
	Provider  string
	Operation string
	Status    string
	Attempt   int
	Code      int
	Delay     time.Duration
	Err       error
}

// Observer receives call events. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Attempt is handed to every run of a call.
type Attempt struct {
	N    int  // 0-based
	Last bool // no retry follows this attempt
}

// Call describes one logical provider request.
type Call[T any] struct {
	Provider  string
	Operation string
	// Key is the credential the request needs; empty fails with 401 before any attempt.
	Key      string
	Classify Classifier
	// Prepare validates input once, after the credential check and before
	// the first attempt. Its error is returned unchanged and never retried.
	Prepare func() error
	// Run performs exactly one network round trip. Any error is retried
	// until the policy is exhausted; wrap it with Again to retry without
	// waiting.
	Run func(ctx context.Context, a Attempt) (T, error)
}

type Invoker struct {
	policy   Policy
	sleep    SleepFunc
	observer Observer
}

type Option func(*Invoker)

// WithSleep replaces the timer used between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(inv *Invoker) { inv.sleep = fn }
}

// WithObserver reports call events to o.
func WithObserver(o Observer) Option {
	return func(inv *Invoker) { inv.observer = o }
}

func New(p Policy, opts ...Option) *Invoker {
	inv := &Invoker{policy: p, sleep: sleepContext}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (inv *Invoker) Policy() Policy { return inv.policy }

// Do executes c.Run until it succeeds or the policy is exhausted.
func Do[T any](ctx context.Context, inv *Invoker, c Call[T]) (T, error) {
	var zero T
	classify := c.Classify
	if classify == nil {
		classify = plainClassifier(c.Provider)
	}

	if c.Key == "" {
		inv.observe(ctx, c.Provider, c.Operation, Event{Status: StatusFailed, Code: http.StatusUnauthorized, Err: ErrMissingCredential})
		return zero, classify(http.StatusUnauthorized, ErrMissingCredential)
	}
	if c.Prepare != nil {
		if err := c.Prepare(); err != nil {
			code := StatusCode(err)
			var ie *Error
			if errors.As(err, &ie) {
				code = ie.Code
			}
			inv.observe(ctx, c.Provider, c.Operation, Event{Status: StatusFailed, Code: code, Err: err})
			return zero, err
		}
	}

	inv.observe(ctx, c.Provider, c.Operation, Event{Status: StatusRequested})

	var lastErr error
	attempt := 0
	for ; ; attempt++ {
		a := Attempt{N: attempt, Last: attempt >= inv.policy.MaxRetries}
		v, err := c.Run(ctx, a)
		if err == nil {
			inv.observe(ctx, c.Provider, c.Operation, Event{Status: StatusCompleted, Attempt: attempt})
			return v, nil
		}
		lastErr = err
		if a.Last {
			break
		}

		var again *againError
		if errors.As(err, &again) {
			log.Printf("invoke: %s %s: %v, retrying (attempt %d)", c.Provider, c.Operation, again.err, attempt+1)
			inv.observe(ctx, c.Provider, c.Operation, Event{Status: StatusRetrying, Attempt: attempt, Err: again.err})
			continue
		}

		delay := inv.policy.Delay(attempt)
		log.Printf("invoke: %s %s failed: %v, retry %d in %s", c.Provider, c.Operation, err, attempt+1, delay)
		inv.observe(ctx, c.Provider, c.Operation, Event{Status: StatusRetrying, Attempt: attempt, Code: StatusCode(err), Delay: delay, Err: err})
		if serr := inv.sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	code := StatusCode(lastErr)
	log.Printf("invoke: %s %s gave up after %d attempts: %v", c.Provider, c.Operation, attempt+1, lastErr)
	inv.observe(ctx, c.Provider, c.Operation, Event{Status: StatusFailed, Attempt: attempt, Code: code, Err: lastErr})
	return zero, classify(code, unwrapAgain(lastErr))
}

// Again marks an attempt failure that should be retried immediately,
// without the backoff wait. It still consumes an attempt.
func Again(err error) error {
	return &againError{err: err}
}

type againError struct{ err error }

func (e *againError) Error() string { return e.err.Error() }

func (e *againError) Unwrap() error { return e.err }

func unwrapAgain(err error) error {
	var again *againError
	if errors.As(err, &again) {
		return again.err
	}
	return err
}

func (inv *Invoker) observe(ctx context.Context, provider, operation string, ev Event) {
	if inv.observer == nil {
		return
	}
	ev.Provider, ev.Operation = provider, operation
	inv.observer.Observe(ctx, ev)
}

func plainClassifier(provider string) Classifier {
	return func(code int, err error) *Error {
		return &Error{Provider: provider, Code: code, Message: err.Error(), Cause: err}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
