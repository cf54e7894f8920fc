package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/database"
	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/service"
)

// app 打开的存储和许可证引擎，serve 和管理命令共用
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *prometheus.Registry
	engine   *license.Engine
	audit    *service.AuditLog
	sheets   *service.SheetSyncService
}

func openApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	loc, err := cfg.License.Location()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := database.SeedAdmin(db, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		a.Close()
		return nil, err
	}

	window := license.NewWindow(loc)
	var usage license.UsageTracker
	switch cfg.Usage.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Usage.Redis.Addr,
			Password: cfg.Usage.Redis.Password,
			DB:       cfg.Usage.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "connect redis %s", cfg.Usage.Redis.Addr)
		}
		usage = license.NewRedisUsageTracker(a.redis, window, cfg.License.Retry, log)
	default:
		usage = license.NewSQLUsageTracker(db, window, cfg.License.Retry, log)
	}

	a.engine = license.NewEngine(license.EngineOptions{
		Policy: license.PolicyFromConfig(cfg.License.Tiers),
		Window: window,
		Store: license.NewSQLStore(db, license.StoreOptions{
			Retry:     cfg.License.Retry,
			CacheSize: cfg.License.CacheSize,
			CacheTTL:  cfg.License.CacheTTL,
			Logger:    log,
		}),
		Usage:         usage,
		Metrics:       license.NewMetrics(a.registry),
		SweepInterval: cfg.License.SweepInterval,
		Logger:        log,
	})

	a.audit = service.NewAuditLog(db, log)
	a.engine.Store.OnChange(a.audit.Hook)

	a.sheets, err = service.NewSheetSyncService(ctx, cfg.Sheets, log.With().Str("component", "sheets").Logger())
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	return database.Close(a.db)
}
