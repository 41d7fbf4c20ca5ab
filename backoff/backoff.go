// Package backoff is the one retry helper of the module: exponential delays
// with jitter, built on sethvargo/go-retry. Database connects, health checks
// and the client pollers all go through it.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Base          time.Duration
	Max           time.Duration
	Retries       uint64 // 0 means retry until the context ends
	JitterPercent uint64
}

var (
	// Default suits short dependency calls such as a DB ping.
	Default = Policy{Base: 200 * time.Millisecond, Max: 5 * time.Second, Retries: 4, JitterPercent: 20}
	// Startup is used while waiting for dependencies during boot.
	Startup = Policy{Base: 500 * time.Millisecond, Max: 10 * time.Second, Retries: 8, JitterPercent: 20}
)

// Backoff returns a fresh stateful schedule for p.
func (p Policy) Backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	if p.Retries > 0 {
		b = retry.WithMaxRetries(p.Retries, b)
	}
	return b
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the schedule is
// exhausted or ctx is done. The last error from fn is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		return retry.RetryableError(err)
	})
}
