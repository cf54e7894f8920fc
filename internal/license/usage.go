package license

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/model"
)

// UsageTracker counts billable requests per user in the current quota window.
type UsageTracker interface {
	RecordUsage(ctx context.Context, userID, feature string) error
	CurrentCount(ctx context.Context, userID string) (int64, error)
	// WindowTotals sums all users' requests in the window containing now.
	WindowTotals(ctx context.Context) (requests, users int64, err error)
}

// SQLUsageTracker 计数和窗口起点在一条 upsert 语句中更新，并发请求不会丢失计数
type SQLUsageTracker struct {
	db     *gorm.DB
	retry  retrier
	window Window
	Now    func() time.Time
}

func NewSQLUsageTracker(db *gorm.DB, window Window, retryCfg config.RetryConfig, log zerolog.Logger) *SQLUsageTracker {
	return &SQLUsageTracker{
		db:     db,
		retry:  newRetrier(retryCfg, log),
		window: window,
		Now:    time.Now,
	}
}

func (t *SQLUsageTracker) RecordUsage(ctx context.Context, userID, feature string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	now := t.Now().UTC()
	start := t.window.Start(now).Unix()

	return t.retry.do(ctx, "record_usage", func() error {
		return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			record := model.UsageRecord{
				UserID:       userID,
				WindowStart:  start,
				RequestCount: 1,
				UpdatedAt:    now,
			}
			// 冲突时右侧表达式读取的是旧行：同一窗口累加，新窗口从 1 开始
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"request_count": gorm.Expr("CASE WHEN usage_records.window_start = ? THEN usage_records.request_count + 1 ELSE 1 END", start),
					"window_start":  start,
					"updated_at":    now,
				}),
			}).Create(&record).Error
			if err != nil {
				return errors.Wrap(err, "upsert usage record")
			}

			event := model.UsageEvent{
				ID:        uuid.NewString(),
				UserID:    userID,
				Feature:   feature,
				Timestamp: now,
			}
			return errors.Wrap(tx.Create(&event).Error, "insert usage event")
		})
	})
}

// CurrentCount 记录属于旧窗口时视为 0
func (t *SQLUsageTracker) CurrentCount(ctx context.Context, userID string) (int64, error) {
	start := t.window.Start(t.Now()).Unix()

	var records []model.UsageRecord
	err := t.retry.do(ctx, "current_count", func() error {
		return t.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&records).Error
	})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 || records[0].WindowStart != start {
		return 0, nil
	}
	return records[0].RequestCount, nil
}

func (t *SQLUsageTracker) WindowTotals(ctx context.Context) (int64, int64, error) {
	start := t.window.Start(t.Now()).Unix()

	var totals struct {
		Requests int64
		Users    int64
	}
	err := t.retry.do(ctx, "window_totals", func() error {
		return t.db.WithContext(ctx).Model(&model.UsageRecord{}).
			Select("coalesce(sum(request_count), 0) as requests, count(*) as users").
			Where("window_start = ?", start).
			Scan(&totals).Error
	})
	if err != nil {
		return 0, 0, err
	}
	return totals.Requests, totals.Users, nil
}
