// Package config loads the service configuration from a YAML file and MAB_*
// environment variables.
package config

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"market-analysis-bot/internal/model"
)

const EnvPrefix = "MAB"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	License  LicenseConfig  `mapstructure:"license"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Bot      BotConfig      `mapstructure:"bot"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Sheets   SheetsConfig   `mapstructure:"sheets"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, console
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	AdminUsername string        `mapstructure:"admin_username"`
	AdminPassword string        `mapstructure:"admin_password"`
}

// TierConfig 单个等级的有效期和每日配额。DurationDays<=0 表示永不过期，DailyQuota<=0 表示不限
type TierConfig struct {
	DurationDays int      `mapstructure:"duration_days"`
	DailyQuota   int      `mapstructure:"daily_quota"`
	Features     []string `mapstructure:"features"`
}

type LicenseConfig struct {
	Timezone      string                `mapstructure:"timezone"`
	Tiers         map[string]TierConfig `mapstructure:"tiers"`
	SweepInterval time.Duration         `mapstructure:"sweep_interval"`
	CacheSize     int                   `mapstructure:"cache_size"`
	CacheTTL      time.Duration         `mapstructure:"cache_ttl"`
	Retry         RetryConfig           `mapstructure:"retry"`
}

type RetryConfig struct {
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

type UsageConfig struct {
	Backend string      `mapstructure:"backend"` // sqlite, redis
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BotConfig struct {
	AdminIDs      []string `mapstructure:"admin_ids"`
	WebhookSecret string   `mapstructure:"webhook_secret"`
}

type AnalysisConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SheetsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CredentialPath string `mapstructure:"credential_path"`
	SpreadsheetID  string `mapstructure:"spreadsheet_id"`
	SheetName      string `mapstructure:"sheet_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.path", "data/license.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	// 密钥没有默认值，这里登记键名以便 MAB_* 环境变量生效
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.admin_password", "")

	v.SetDefault("license.timezone", "UTC")
	v.SetDefault("license.sweep_interval", 10*time.Minute)
	v.SetDefault("license.cache_size", 1024)
	v.SetDefault("license.cache_ttl", 30*time.Second)
	v.SetDefault("license.retry.attempts", 4)
	v.SetDefault("license.retry.delay", 50*time.Millisecond)
	v.SetDefault("license.retry.max_delay", time.Second)
	v.SetDefault("license.tiers", map[string]interface{}{
		string(model.TierTrial):    map[string]interface{}{"duration_days": 3, "daily_quota": 10},
		string(model.TierStandard): map[string]interface{}{"duration_days": 30, "daily_quota": 100},
		string(model.TierPremium):  map[string]interface{}{"duration_days": 90, "daily_quota": 0},
		string(model.TierLifetime): map[string]interface{}{"duration_days": 0, "daily_quota": 0},
	})

	v.SetDefault("usage.backend", "sqlite")
	v.SetDefault("usage.redis.addr", "127.0.0.1:6379")

	v.SetDefault("bot.admin_ids", []string{})
	v.SetDefault("bot.webhook_secret", "")

	v.SetDefault("analysis.endpoint", "")
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.model", "")
	v.SetDefault("analysis.timeout", 60*time.Second)

	v.SetDefault("sheets.enabled", false)
	v.SetDefault("sheets.credential_path", "")
	v.SetDefault("sheets.spreadsheet_id", "")
	v.SetDefault("sheets.sheet_name", "Licenses")
}

// Load 读取配置文件（可选）和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RequireSecrets 对外提供服务前必须配置的密钥
func (c *Config) RequireSecrets() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}
	if c.Bot.WebhookSecret == "" {
		return errors.New("bot.webhook_secret must be set")
	}
	return nil
}

// Validate 检查等级表、时区和重试参数
func (c *Config) Validate() error {
	if _, err := c.License.Location(); err != nil {
		return err
	}

	for _, tier := range model.Tiers {
		tc, ok := c.License.Tiers[string(tier)]
		if !ok {
			return errors.Errorf("license.tiers: missing tier %q", tier)
		}
		if tier == model.TierLifetime && tc.DurationDays > 0 {
			return errors.Errorf("license.tiers.%s: lifetime keys cannot expire", tier)
		}
		if tier != model.TierLifetime && tc.DurationDays <= 0 {
			return errors.Errorf("license.tiers.%s: duration_days must be positive", tier)
		}
	}
	for name := range c.License.Tiers {
		if !model.Tier(name).Valid() {
			return errors.Errorf("license.tiers: unknown tier %q", name)
		}
	}

	if c.License.Retry.Attempts == 0 {
		return errors.New("license.retry.attempts must be at least 1")
	}

	switch c.Usage.Backend {
	case "sqlite", "redis":
	default:
		return errors.Errorf("usage.backend: unsupported backend %q", c.Usage.Backend)
	}
	return nil
}

// Location 配额窗口按该时区的自然日对齐
func (c LicenseConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "license.timezone %q", c.Timezone)
	}
	return loc, nil
}
