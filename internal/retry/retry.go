// Package retry is the bounded exponential backoff with full jitter used
// by the Classifier (§4.2, §7).
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
)

// Policy configures the backoff envelope.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries uint64
}

// DefaultPollerPolicy is a rate-limit backoff envelope: base 1s, cap 60s,
// full jitter, unbounded retries. The Poller does not call Do with it;
// poller.Run doubles its own backoff from 1s up to a 60s cap.
var DefaultPollerPolicy = Policy{Base: time.Second, Cap: 60 * time.Second, MaxRetries: 0}

// DefaultClassifierPolicy bounds Classifier retries to 3 attempts per §4.2
// (the first call plus 2 retries).
var DefaultClassifierPolicy = Policy{Base: time.Second, Cap: 60 * time.Second, MaxRetries: 2}

// Do runs fn under the given policy, retrying only when fn returns a
// retryable *errors.DomainError, with full-jitter exponential backoff.
// Cancellation is observed promptly via ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(p.Base)
	b = retry.WithCapped(p.Cap, b)
	capped := b
	b = retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := capped.Next()
		if stop || next <= 0 {
			return next, stop
		}
		return time.Duration(rand.Int63n(int64(next)) + 1), false
	})
	if p.MaxRetries > 0 {
		b = retry.WithMaxRetries(p.MaxRetries, b)
	}

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var de *domainerrors.DomainError
		if asDomainError(err, &de) && de.Category.Retryable() {
			return retry.RetryableError(err)
		}
		return err
	})
}

func asDomainError(err error, target **domainerrors.DomainError) bool {
	for err != nil {
		if de, ok := err.(*domainerrors.DomainError); ok {
			*target = de
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
