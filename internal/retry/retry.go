// Package retry wraps fallible external calls with bounded retries,
// exponential backoff, and transient/permanent failure classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"moexadvisor/internal/monitor"
)

// ErrNoData marks a legitimately empty result from a data source. It is not
// a failure: it is never retried and is recorded as a successful call.
var ErrNoData = errors.New("no data available")

// TransientError marks a failure worth retrying: network errors, timeouts,
// rate limits, upstream 5xx responses.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: validation,
// authentication, quota exhaustion, malformed responses.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Returns nil for a nil error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should be retried. Context deadline
// expiry counts as transient: a timed-out external call is retried, not
// treated as an unrecoverable fault.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err is explicitly non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ExhaustedError reports that every attempt failed. Err is the last cause.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Executor runs operations with bounded retries and exponential backoff,
// recording one performance sample per attempt.
type Executor struct {
	MaxRetries int           // total attempts; values < 1 mean a single attempt
	BaseDelay  time.Duration // delay after the first failed attempt
	Monitor    *monitor.Monitor

	// Sleep is the backoff sleeper; nil means a context-aware time.After.
	// Tests inject it to observe the delay sequence.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with the given retry budget.
func NewExecutor(maxRetries int, baseDelay time.Duration, mon *monitor.Monitor) *Executor {
	return &Executor{MaxRetries: maxRetries, BaseDelay: baseDelay, Monitor: mon}
}

// Do runs op up to MaxRetries times under the given operation name.
//
// A nil or ErrNoData return ends the loop immediately and is recorded as a
// success. A permanent (or unclassified) failure short-circuits with no
// further attempts and no delay. After each transient failure the executor
// sleeps BaseDelay·2^attempt, so max_retries=3 with a 1s base yields delays
// of 1s, 2s, 4s before Do gives up with an ExhaustedError wrapping the last
// cause.
func (e *Executor) Do(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	attempts := e.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		err := op(ctx)
		e.record(operation, start, err)

		if err == nil || errors.Is(err, ErrNoData) {
			return err
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		delay := e.BaseDelay << attempt
		log.Debug().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("transient failure, backing off")
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	return &ExhaustedError{Operation: operation, Attempts: attempts, Err: lastErr}
}

func (e *Executor) record(operation string, start time.Time, err error) {
	if e.Monitor == nil {
		return
	}
	outcome := monitor.OutcomeSuccess
	if err != nil && !errors.Is(err, ErrNoData) {
		outcome = monitor.OutcomeFailure
	}
	e.Monitor.Record(operation, time.Since(start), outcome)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
