package license

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"market-analysis-bot/internal/config"
)

// retrier retries storage I/O with bounded exponential backoff. Domain errors
// pass through untouched; exhausted retries surface as ErrStorageUnavailable.
type retrier struct {
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
	log      zerolog.Logger
}

func newRetrier(cfg config.RetryConfig, log zerolog.Logger) retrier {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	return retrier{
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		maxDelay: cfg.MaxDelay,
		log:      log,
	}
}

func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.MaxDelay(r.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !IsDomain(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			r.log.Warn().Err(err).Str("op", op).Uint("attempt", n+1).Msg("license storage operation failed, retrying")
		}),
	)
	switch {
	case err == nil:
		return nil
	case IsDomain(err):
		return err
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), op)
	}

	r.log.Error().Err(err).Str("op", op).Msg("license storage unavailable")
	return errors.Wrapf(ErrStorageUnavailable, "%s: %v", op, err)
}
