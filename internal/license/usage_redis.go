package license

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"market-analysis-bot/internal/config"
)

// RedisUsageTracker 多实例部署时共享配额计数。每个窗口一个计数键，窗口结束后自动过期
type RedisUsageTracker struct {
	client *redis.Client
	retry  retrier
	window Window
	prefix string
	Now    func() time.Time
}

func NewRedisUsageTracker(client *redis.Client, window Window, retryCfg config.RetryConfig, log zerolog.Logger) *RedisUsageTracker {
	return &RedisUsageTracker{
		client: client,
		retry:  newRetrier(retryCfg, log),
		window: window,
		prefix: "usage",
		Now:    time.Now,
	}
}

func (t *RedisUsageTracker) key(userID string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", t.prefix, userID, start.Unix())
}

func (t *RedisUsageTracker) RecordUsage(ctx context.Context, userID, feature string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	now := t.Now()
	key := t.key(userID, t.window.Start(now))
	// 多保留一天，便于跨窗口排查
	expireAt := t.window.End(now).Add(24 * time.Hour)

	return t.retry.do(ctx, "record_usage", func() error {
		pipe := t.client.TxPipeline()
		pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, expireAt)
		_, err := pipe.Exec(ctx)
		return errors.Wrapf(err, "incr %s", key)
	})
}

func (t *RedisUsageTracker) CurrentCount(ctx context.Context, userID string) (int64, error) {
	key := t.key(userID, t.window.Start(t.Now()))

	var count int64
	err := t.retry.do(ctx, "current_count", func() error {
		n, err := t.client.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			count = 0
			return nil
		}
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	return count, err
}

// WindowTotals 扫描当前窗口的计数键
func (t *RedisUsageTracker) WindowTotals(ctx context.Context) (int64, int64, error) {
	pattern := fmt.Sprintf("%s:*:%d", t.prefix, t.window.Start(t.Now()).Unix())

	var requests, users int64
	err := t.retry.do(ctx, "window_totals", func() error {
		requests, users = 0, 0
		iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			n, err := t.client.Get(ctx, iter.Val()).Int64()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			requests += n
			users++
		}
		return iter.Err()
	})
	return requests, users, err
}
