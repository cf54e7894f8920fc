package license

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/database"
	"market-analysis-bot/internal/model"
)

// KeyStore is the durable registry of license keys. Every status change goes
// through Update, which is a compare-and-swap on the expected current status.
type KeyStore interface {
	Insert(ctx context.Context, key *model.LicenseKey) error
	Get(ctx context.Context, keyString string) (*model.LicenseKey, error)
	// FindByUser returns the user's active key, or nil when there is none.
	FindByUser(ctx context.Context, userID string) (*model.LicenseKey, error)
	// LatestByUser returns the user's most recently activated key that is no
	// longer active, or nil when there is none.
	LatestByUser(ctx context.Context, userID string) (*model.LicenseKey, error)
	Update(ctx context.Context, key *model.LicenseKey, expected model.Status) error
	List(ctx context.Context, filter ListFilter) ([]model.LicenseKey, int64, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]model.LicenseKey, error)
	Stats(ctx context.Context, now time.Time) (*model.LicenseStatistics, error)
	OnChange(hook ChangeHook)
	Close() error
}

// ChangeHook is called after a key is inserted or changes status.
type ChangeHook func(ctx context.Context, key model.LicenseKey)

type ListFilter struct {
	Status model.Status
	Tier   model.Tier
	UserID string
	Limit  int
	Offset int
}

type StoreOptions struct {
	Retry     config.RetryConfig
	CacheSize int
	CacheTTL  time.Duration
	Logger    zerolog.Logger
}

// SQLStore 基于 gorm 的许可证存储
type SQLStore struct {
	db    *gorm.DB
	retry retrier
	cache *keyCache
	log   zerolog.Logger

	mu    sync.RWMutex
	hooks []ChangeHook
}

func NewSQLStore(db *gorm.DB, opts StoreOptions) *SQLStore {
	return &SQLStore{
		db:    db,
		retry: newRetrier(opts.Retry, opts.Logger),
		cache: newKeyCache(opts.CacheSize, opts.CacheTTL),
		log:   opts.Logger,
	}
}

func (s *SQLStore) OnChange(hook ChangeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *SQLStore) notify(ctx context.Context, key *model.LicenseKey) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, *cloneKey(*key))
	}
}

// Insert 只接受新签发、未绑定的许可证
func (s *SQLStore) Insert(ctx context.Context, key *model.LicenseKey) error {
	if key.Status != model.StatusIssued || key.AssignedUserID != nil {
		return errors.Wrap(ErrInvalidTransition, "insert requires an unassigned issued key")
	}
	if !key.Tier.Valid() {
		return errors.Wrapf(ErrUnknownTier, "%q", key.Tier)
	}

	err := s.retry.do(ctx, "insert", func() error {
		err := s.db.WithContext(ctx).Create(key).Error
		if database.IsUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	})
	if err != nil {
		return err
	}

	s.notify(ctx, key)
	return nil
}

func (s *SQLStore) Get(ctx context.Context, keyString string) (*model.LicenseKey, error) {
	if k, ok := s.cache.get(keyString); ok {
		return k, nil
	}

	gen := s.cache.generation()
	var key model.LicenseKey
	err := s.retry.do(ctx, "get", func() error {
		err := s.db.WithContext(ctx).Where("key_string = ?", keyString).First(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.put(&key, gen)
	return &key, nil
}

func (s *SQLStore) FindByUser(ctx context.Context, userID string) (*model.LicenseKey, error) {
	if k, ok := s.cache.getByUser(userID); ok {
		return k, nil
	}

	gen := s.cache.generation()
	var keys []model.LicenseKey
	err := s.retry.do(ctx, "find_by_user", func() error {
		return s.db.WithContext(ctx).
			Where("assigned_user_id = ? AND status = ?", userID, model.StatusActive).
			Limit(1).
			Find(&keys).Error
	})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	s.cache.put(&keys[0], gen)
	return &keys[0], nil
}

// LatestByUser 只在用户没有 active 许可证时调用，不走缓存
func (s *SQLStore) LatestByUser(ctx context.Context, userID string) (*model.LicenseKey, error) {
	var keys []model.LicenseKey
	err := s.retry.do(ctx, "latest_by_user", func() error {
		return s.db.WithContext(ctx).
			Where("assigned_user_id = ? AND status <> ?", userID, model.StatusActive).
			Order("activated_at DESC, updated_at DESC").
			Limit(1).
			Find(&keys).Error
	})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// Update moves key to key.Status only if the stored status still equals
// expected. A lost race returns ErrConflict and leaves the record untouched.
// assigned_user_id is written only on issued -> active.
func (s *SQLStore) Update(ctx context.Context, key *model.LicenseKey, expected model.Status) error {
	if !model.CanTransition(expected, key.Status) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", expected, key.Status)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     key.Status,
		"updated_at": now,
	}
	switch key.Status {
	case model.StatusActive:
		if key.AssignedUserID == nil || *key.AssignedUserID == "" {
			return errors.Wrap(ErrInvalidUser, "activation requires a user")
		}
		if key.ActivatedAt == nil {
			key.ActivatedAt = &now
		}
		updates["assigned_user_id"] = *key.AssignedUserID
		updates["activated_at"] = key.ActivatedAt.UTC()
	case model.StatusExpired:
		if key.ExpiredAt == nil {
			key.ExpiredAt = &now
		}
		updates["expired_at"] = key.ExpiredAt.UTC()
	case model.StatusRevoked:
		if key.RevokedAt == nil {
			key.RevokedAt = &now
		}
		updates["revoked_at"] = key.RevokedAt.UTC()
		updates["revoke_reason"] = key.RevokeReason
	}

	err := s.retry.do(ctx, "update", func() error {
		res := s.db.WithContext(ctx).
			Model(&model.LicenseKey{}).
			Where("key_string = ? AND status = ?", key.KeyString, expected).
			Updates(updates)
		if database.IsUniqueViolation(res.Error) {
			return ErrAlreadyAssigned
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := s.db.WithContext(ctx).Model(&model.LicenseKey{}).
				Where("key_string = ?", key.KeyString).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})

	// 无论成败都让缓存失效，冲突时下次读取拿到最新状态
	s.cache.invalidate(key.KeyString, key.User())
	if err != nil {
		return err
	}

	key.UpdatedAt = now
	s.notify(ctx, key)
	return nil
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]model.LicenseKey, int64, error) {
	var (
		keys  []model.LicenseKey
		total int64
	)
	err := s.retry.do(ctx, "list", func() error {
		query := s.db.WithContext(ctx).Model(&model.LicenseKey{})
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.Tier != "" {
			query = query.Where("tier = ?", filter.Tier)
		}
		if filter.UserID != "" {
			query = query.Where("assigned_user_id = ?", filter.UserID)
		}
		if err := query.Count(&total).Error; err != nil {
			return err
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit).Offset(filter.Offset)
		}
		return query.Order("created_at DESC").Find(&keys).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return keys, total, nil
}

// DueForExpiry returns active keys whose validity window ended before now.
func (s *SQLStore) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]model.LicenseKey, error) {
	var keys []model.LicenseKey
	err := s.retry.do(ctx, "due_for_expiry", func() error {
		query := s.db.WithContext(ctx).
			Where("status = ? AND valid_until IS NOT NULL AND valid_until < ?", model.StatusActive, now.UTC()).
			Order("valid_until")
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query.Find(&keys).Error
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// 七天内到期视为即将过期
const expiringSoonWindow = 7 * 24 * time.Hour

func (s *SQLStore) Stats(ctx context.Context, now time.Time) (*model.LicenseStatistics, error) {
	stats := model.NewLicenseStatistics()
	err := s.retry.do(ctx, "stats", func() error {
		db := s.db.WithContext(ctx)

		var byStatus []struct {
			Status model.Status
			Count  int64
		}
		if err := db.Model(&model.LicenseKey{}).Select("status, count(*) as count").
			Group("status").Scan(&byStatus).Error; err != nil {
			return err
		}
		stats.TotalLicenses = 0
		for _, row := range byStatus {
			stats.ByStatus[row.Status] = row.Count
			stats.TotalLicenses += row.Count
		}

		var byTier []struct {
			Tier  model.Tier
			Count int64
		}
		if err := db.Model(&model.LicenseKey{}).Select("tier, count(*) as count").
			Group("tier").Scan(&byTier).Error; err != nil {
			return err
		}
		for _, row := range byTier {
			stats.ByTier[row.Tier] = row.Count
		}

		if err := db.Model(&model.LicenseKey{}).
			Where("status = ? AND valid_until IS NOT NULL AND valid_until >= ? AND valid_until < ?",
				model.StatusActive, now.UTC(), now.UTC().Add(expiringSoonWindow)).
			Count(&stats.ExpiringSoon).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLStore) Close() error {
	s.cache.purge()
	return nil
}
