package license

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"market-analysis-bot/internal/model"
)

// 随机碰撞几乎不可能，重试只是兜底
const issueAttempts = 3

// Engine wires the license components together for the HTTP, bot and CLI
// surfaces.
type Engine struct {
	Policy    Policy
	Window    Window
	Store     KeyStore
	Usage     UsageTracker
	Generator *Generator
	Activator *Activator
	Guard     *Guard
	Sweeper   *Sweeper
	Metrics   *Metrics

	log zerolog.Logger
}

type EngineOptions struct {
	Policy        Policy
	Window        Window
	Store         KeyStore
	Usage         UsageTracker
	Metrics       *Metrics
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	log := opts.Logger.With().Str("component", "license").Logger()
	e := &Engine{
		Policy:    opts.Policy,
		Window:    opts.Window,
		Store:     opts.Store,
		Usage:     opts.Usage,
		Generator: NewGenerator(opts.Policy),
		Activator: NewActivator(opts.Store, opts.Metrics, log),
		Guard:     NewGuard(opts.Store, opts.Usage, opts.Policy, opts.Metrics, log),
		Sweeper:   NewSweeper(opts.Store, opts.SweepInterval, log),
		Metrics:   opts.Metrics,
		log:       log,
	}
	opts.Store.OnChange(e.observe)
	return e
}

// SetClock points every component at the same clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.Generator.Now = now
	e.Activator.Now = now
	e.Guard.Now = now
	e.Sweeper.Now = now
	switch u := e.Usage.(type) {
	case *SQLUsageTracker:
		u.Now = now
	case *RedisUsageTracker:
		u.Now = now
	}
}

func (e *Engine) observe(_ context.Context, key model.LicenseKey) {
	switch key.Status {
	case model.StatusIssued:
		e.Metrics.issued(string(key.Tier))
	case model.StatusExpired:
		e.Metrics.expired()
	}
}

// Issue generates count keys of tier and persists them.
func (e *Engine) Issue(ctx context.Context, tier model.Tier, count int, note string) ([]model.LicenseKey, error) {
	if count <= 0 {
		count = 1
	}

	keys := make([]model.LicenseKey, 0, count)
	for len(keys) < count {
		key, err := e.issueOne(ctx, tier, note)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	e.log.Info().Str("tier", string(tier)).Int("count", len(keys)).Msg("issued license keys")
	return keys, nil
}

func (e *Engine) issueOne(ctx context.Context, tier model.Tier, note string) (model.LicenseKey, error) {
	var err error
	for i := 0; i < issueAttempts; i++ {
		var key model.LicenseKey
		key, err = e.Generator.Generate(tier)
		if err != nil {
			return model.LicenseKey{}, err
		}
		key.Note = note

		err = e.Store.Insert(ctx, &key)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return model.LicenseKey{}, err
		}
	}
	return model.LicenseKey{}, err
}

// Status 用户当前许可证和今日用量，不计费
func (e *Engine) Status(ctx context.Context, userID string) (Decision, error) {
	return e.Guard.Check(ctx, userID, "")
}

// Stats 许可证分布来自 Store，今日用量来自当前的 UsageTracker
func (e *Engine) Stats(ctx context.Context) (*model.LicenseStatistics, error) {
	stats, err := e.Store.Stats(ctx, e.Guard.Now())
	if err != nil {
		return nil, err
	}
	stats.RequestsToday, stats.ActiveUsersToday, err = e.Usage.WindowTotals(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (e *Engine) Close() error {
	return e.Store.Close()
}
