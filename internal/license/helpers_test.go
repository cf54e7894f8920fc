package license

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/database"
)

var testRetry = config.RetryConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	db     *gorm.DB
	store  *SQLStore
	engine *Engine
	clock  *fakeClock
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithDB(t, database.OpenTest(t))
}

func newTestEnvWithDB(t *testing.T, db *gorm.DB) *testEnv {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC))
	store := NewSQLStore(db, StoreOptions{Retry: testRetry, CacheSize: 64, CacheTTL: time.Minute, Logger: zerolog.Nop()})
	window := NewWindow(time.UTC)
	usage := NewSQLUsageTracker(db, window, testRetry, zerolog.Nop())
	reg := prometheus.NewRegistry()

	engine := NewEngine(EngineOptions{
		Policy:        DefaultPolicy(),
		Window:        window,
		Store:         store,
		Usage:         usage,
		Metrics:       NewMetrics(reg),
		SweepInterval: time.Minute,
		Logger:        zerolog.Nop(),
	})
	engine.SetClock(clock.Now)

	return &testEnv{db: db, store: store, engine: engine, clock: clock, reg: reg}
}
