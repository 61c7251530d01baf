package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("queue: job not found")
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrLeaseLost is returned when a job was reclaimed and leased again
	// by another dispatcher before its first leaser reported back.
	ErrLeaseLost = errors.New("queue: lease lost")
)

// Unavailable wraps a driver error so callers can treat it as transient.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// NoRetry marks an error as non-retryable.
//
// Handlers wrap permanent failures (bad payload, missing credential) with
// NoRetry so the job goes straight to dead instead of burning its attempts.
//
//	return queue.NoRetry(fmt.Errorf("bad update: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches an explicit retry delay to err.
//
// Used when the upstream answered 429 with retry_after: the job is retried no
// earlier than the upstream asked, instead of the configured retry delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterHint extracts the delay carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
