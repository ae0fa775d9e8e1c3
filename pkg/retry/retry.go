package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/josh-at-icarite/shepherd/pkg/errdefs"
)

// Policy is a bounded exponential backoff shared by every collaborator
// call path (delete, register, deregister).
type Policy struct {
	// Base is the first retry delay
	Base time.Duration

	// Factor multiplies the delay after each attempt
	Factor float64

	// MaxAttempts bounds the total number of attempts
	MaxAttempts int
}

// DefaultPolicy matches the documented repair policy: 5s base, doubling,
// five attempts.
func DefaultPolicy() Policy {
	return Policy{Base: 5 * time.Second, Factor: 2, MaxAttempts: 5}
}

// Notify is called before each retry with the error and the upcoming delay
type Notify func(err error, next time.Duration)

// Do runs op under the policy. Conflict errors end the retry loop as
// success (the operation already happened). When the budget is spent the
// last error is returned wrapped as exhausted; the caller alerts and parks
// the instance, it never drops it from accounting.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor

	operation := func() (struct{}, error) {
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if errdefs.IsConflict(err) {
			// Already done; success
			return struct{}{}, nil
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			notify(err, next)
		}))
	}

	if _, err := backoff.Retry(ctx, operation, opts...); err != nil {
		return errdefs.Exhausted(err)
	}
	return nil
}
