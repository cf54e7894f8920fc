package license

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/database"
)

// OpenTestEngine 基于临时数据库的完整引擎，使用默认等级表和 UTC 窗口
func OpenTestEngine(tb testing.TB) (*Engine, *gorm.DB) {
	tb.Helper()

	db := database.OpenTest(tb)
	retryCfg := config.RetryConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	window := NewWindow(time.UTC)

	engine := NewEngine(EngineOptions{
		Policy:  DefaultPolicy(),
		Window:  window,
		Store:   NewSQLStore(db, StoreOptions{Retry: retryCfg, CacheSize: 64, CacheTTL: time.Minute, Logger: zerolog.Nop()}),
		Usage:   NewSQLUsageTracker(db, window, retryCfg, zerolog.Nop()),
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Logger:  zerolog.Nop(),
	})
	tb.Cleanup(func() { engine.Close() })
	return engine, db
}
