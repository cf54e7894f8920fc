package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"market-analysis-bot/internal/model"
)

// 每个连接都带上这些 pragma；写操作在返回前已落盘
const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)"

// 同一用户最多一个 active 许可证，由数据库保证
const activeUserIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_license_keys_active_user
	ON license_keys(assigned_user_id) WHERE status = 'active'`

// Open 打开（必要时创建）数据库文件并完成迁移
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create data directory %s", dir)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+pragmas), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}

	// SQLite 只有一个写者，单连接避免 SQLITE_BUSY
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := Migrate(db); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("database ready")
	return db, nil
}

// Migrate 自动迁移模型
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.LicenseKey{},
		&model.UsageRecord{},
		&model.UsageEvent{},
		&model.Operator{},
		&model.OperationLog{},
		&model.LoginLog{},
	)
	if err != nil {
		return errors.Wrap(err, "migrate database")
	}
	if err := db.Exec(activeUserIndex).Error; err != nil {
		return errors.Wrap(err, "create active user index")
	}
	return nil
}

// SeedAdmin 创建默认管理员账户（已存在则跳过）
func SeedAdmin(db *gorm.DB, username, password string) error {
	if password == "" {
		log.Warn().Msg("auth.admin_password not set, skipping admin account creation")
		return nil
	}

	var count int64
	if err := db.Model(&model.Operator{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return errors.Wrap(err, "count operators")
	}
	if count > 0 {
		return nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash admin password")
	}

	admin := &model.Operator{
		Username:  username,
		Password:  string(hashed),
		Role:      model.RoleAdmin,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := db.Create(admin).Error; err != nil {
		return errors.Wrap(err, "create admin account")
	}

	log.Info().Str("username", username).Msg("created default admin account")
	return nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsUniqueViolation 兼容 gorm 翻译后的错误和驱动原始错误
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
