package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// retrier repeats ledger reads with exponential backoff.
type retrier struct {
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// do calls fn until it succeeds, the retries are spent or ctx is done.
// Each failed attempt that will be retried is logged under op.
func (r retrier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := r.backoff
	if delay <= 0 {
		delay = defaultRetryBackoff
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt >= r.retries {
			return err
		}
		r.logger.Warn("ledger read failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxRetryBackoff {
			delay = maxRetryBackoff
		}
	}
}
