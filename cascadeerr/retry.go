package cascadeerr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryTransientOnce runs op, and if it fails with an error IsRetryable
// accepts (ErrTransient or ErrTimeout), waits one short backoff interval and
// attempts it exactly once more. Any other error, or a second failure, is
// returned as-is. The cascade itself never retries;
// this exists so a remote tier (cloud, redis) can absorb a single blip
// without surfacing it as a miss to the cascade.
func RetryTransientOnce(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, 1), ctx)

	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt > 1 || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// defaultInitialInterval documents the interval RetryTransientOnce starts
// from before the single allowed retry; kept here rather than inline for
// discoverability.
const defaultInitialInterval = 250 * time.Millisecond
