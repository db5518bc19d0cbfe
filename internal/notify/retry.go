package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// rateLimitCheck reports whether err is a platform rate limit and how long
// the platform asked callers to wait. A zero wait means unspecified.
type rateLimitCheck func(err error) (time.Duration, bool)

// serverHinted is an exponential backoff whose next interval is replaced by
// the platform's own retry-after hint when one was given.
type serverHinted struct {
	backoff.BackOff
	hint time.Duration
}

func (b *serverHinted) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d != backoff.Stop && b.hint > 0 {
		d = b.hint
	}
	b.hint = 0
	return d
}

// retryOnRateLimit calls fn and retries up to maxRetries times while check
// classifies the error as a rate limit. Other errors are returned at once.
func retryOnRateLimit(ctx context.Context, base time.Duration, check rateLimitCheck, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = base << maxRetries
	exp.MaxElapsedTime = 0

	hinted := &serverHinted{BackOff: exp}
	b := backoff.WithContext(backoff.WithMaxRetries(hinted, maxRetries), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		wait, limited := check(err)
		if !limited {
			return backoff.Permanent(err)
		}
		hinted.hint = wait
		return err
	}, b)
}
