package license

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// 单次扫描处理的上限，剩余的留给下一轮
const sweepBatch = 500

// Sweeper 定期把已过期的 active 许可证标记为 expired，
// 与访问时的惰性过期互补
type Sweeper struct {
	store    KeyStore
	interval time.Duration
	log      zerolog.Logger
	Now      func() time.Time
}

func NewSweeper(store KeyStore, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      log,
		Now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled. A zero interval disables it.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("license expiry sweep failed")
			}
		}
	}
}

// Sweep expires every lapsed active key and returns how many it moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.Now().UTC()
	keys, err := s.store.DueForExpiry(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range keys {
		if err := expireKey(ctx, s.store, &keys[i], now); err != nil {
			return expired, err
		}
		expired++
	}

	if expired > 0 {
		s.log.Info().Int("count", expired).Msg("expired lapsed licenses")
	}
	return expired, nil
}
