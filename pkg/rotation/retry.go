package rotation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
)

// ErrPollTimeout is returned when a bounded poll reaches its deadline.
var ErrPollTimeout = errors.New("poll deadline exceeded")

var errNotYet = errors.New("condition not met")

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy is used for single AWS and cluster calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      time.Minute,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(bo, ctx)
}

// retryTransient calls fn until it succeeds, returns a non-transient error,
// or the policy is exhausted.
func retryTransient(ctx context.Context, policy RetryPolicy, logger *logging.Logger, op string, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if rrerrors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("%s: transient error, retrying in %s: %v", op, wait.Round(time.Millisecond), err)
	}
	return backoff.RetryNotify(operation, policy.backOff(ctx), notify)
}

// retryValue is retryTransient for calls that return a value.
func retryValue[T any](ctx context.Context, policy RetryPolicy, logger *logging.Logger, op string, fn func() (T, error)) (T, error) {
	var out T
	err := retryTransient(ctx, policy, logger, op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// pollUntil calls check every interval until it reports done, returns a
// non-transient error, or timeout elapses. Transient errors count as not
// done. Reaching the deadline returns ErrPollTimeout.
func pollUntil(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	operation := func() error {
		done, err := check(pctx)
		switch {
		case err != nil && rrerrors.IsRetryable(err):
			return err
		case err != nil:
			return backoff.Permanent(err)
		case !done:
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(interval), pctx))
	if err != nil && ctx.Err() == nil && pctx.Err() != nil {
		return ErrPollTimeout
	}
	return err
}
