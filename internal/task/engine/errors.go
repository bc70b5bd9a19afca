package engine

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("engine: disabled")
	ErrStopped   = errors.New("engine: stopped")
	ErrStopping  = errors.New("engine: stopping")
	ErrQueueFull = errors.New("engine: queue full")
	ErrNoRun     = errors.New("engine: task has no run func")
)

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// verdict wraps a job error with a retry decision. Only one of the two
// annotations is set by the constructors below.
type verdict struct {
	err   error
	final bool
	after time.Duration
}

func (v *verdict) Error() string { return v.err.Error() }
func (v *verdict) Unwrap() error { return v.err }

// NoRetry marks err as permanent: the engine gives up after this attempt and
// reports the unwrapped error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &verdict{err: err, final: true}
}

// IsNoRetry reports whether err, or anything it wraps, came from NoRetry.
func IsNoRetry(err error) bool {
	return permanent(err) != nil
}

// RetryAfter asks for the next attempt no sooner than after. The engine caps
// the hint at RetryMaxDelay and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &verdict{err: err, after: max(after, 0)}
}

// permanent returns the error wrapped by NoRetry, or nil.
func permanent(err error) error {
	var v *verdict
	if errors.As(err, &v) && v.final {
		return v.err
	}
	return nil
}

// retryHint looks for a verdict first, then for any foreign RetryAfterError.
func retryHint(err error) (time.Duration, bool) {
	var v *verdict
	if errors.As(err, &v) && !v.final {
		return v.after, true
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
