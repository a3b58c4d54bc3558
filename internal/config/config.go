package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Provider ProviderConfig `mapstructure:"provider"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Sign     SignConfig     `mapstructure:"sign"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	SecureCookie bool   `mapstructure:"secure_cookie"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig хранилище сессий. Пустой Addr означает хранение в памяти процесса.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type ProviderConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	AuthMode          string  `mapstructure:"auth_mode"`
	UserID            string  `mapstructure:"user_id"`
	HKey              string  `mapstructure:"hkey"`
	AccessToken       string  `mapstructure:"access_token"`
	UseGustation      bool    `mapstructure:"use_gustation"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type CacheConfig struct {
	HashSalt            string `mapstructure:"hash_salt"`
	MemoryMaxEntries    int    `mapstructure:"memory_max_entries"`
	HistoryGraceMinutes int    `mapstructure:"history_grace_minutes"`
	FailureTTLMinutes   int    `mapstructure:"failure_ttl_minutes"`
	PartialTTLMinutes   int    `mapstructure:"partial_ttl_minutes"`
	SummaryTTLMinutes   int    `mapstructure:"summary_ttl_minutes"`
	DetailTTLMinutes    int    `mapstructure:"detail_ttl_minutes"`
}

type FetchConfig struct {
	DefaultYearLimit     int    `mapstructure:"default_year_limit"`
	MaxYearsPerRequest   int    `mapstructure:"max_years_per_request"`
	YearlyMaxFanout      int    `mapstructure:"yearly_max_fanout"`
	TargetTimeoutSeconds int    `mapstructure:"target_timeout_seconds"`
	LookbackYears        int    `mapstructure:"lookback_years"`
	SubjectType          string `mapstructure:"subject_type"`
	// лимиты живых запросов на пользователя в скользящем окне
	BudgetWindowHours          int `mapstructure:"budget_window_hours"`
	MaxFreshFetchesPerWindow   int `mapstructure:"max_fresh_fetches_per_window"`
	MaxForceRefreshesPerWindow int `mapstructure:"max_force_refreshes_per_window"`
}

type SignConfig struct {
	MinIntervalSeconds    int  `mapstructure:"min_interval_seconds"`
	WindowSeconds         int  `mapstructure:"window_seconds"`
	MaxAttemptsPerWindow  int  `mapstructure:"max_attempts_per_window"`
	HistoryCap            int  `mapstructure:"history_cap"`
	PendingAuthTTLSeconds int  `mapstructure:"pending_auth_ttl_seconds"`
	PendingReuseSeconds   int  `mapstructure:"pending_reuse_seconds"`
	AutoReinit            bool `mapstructure:"auto_reinit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secure_cookie", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "healthlink")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("provider.base_url", "https://api.hyphen.im")
	v.SetDefault("provider.auth_mode", "header")
	v.SetDefault("provider.user_id", "")
	v.SetDefault("provider.hkey", "")
	v.SetDefault("provider.access_token", "")
	v.SetDefault("provider.use_gustation", false)
	v.SetDefault("provider.timeout_seconds", 30)
	v.SetDefault("provider.requests_per_second", 5.0)
	v.SetDefault("provider.burst", 10)

	v.SetDefault("cache.hash_salt", "healthlink-cache-v1")
	v.SetDefault("cache.memory_max_entries", 1200)
	v.SetDefault("cache.history_grace_minutes", 60*24*90)
	v.SetDefault("cache.failure_ttl_minutes", 10)
	v.SetDefault("cache.partial_ttl_minutes", 60*2)
	v.SetDefault("cache.summary_ttl_minutes", 60*12)
	v.SetDefault("cache.detail_ttl_minutes", 60*24*3)

	v.SetDefault("fetch.default_year_limit", 1)
	v.SetDefault("fetch.max_years_per_request", 5)
	v.SetDefault("fetch.yearly_max_fanout", 3)
	v.SetDefault("fetch.target_timeout_seconds", 25)
	v.SetDefault("fetch.lookback_years", 10)
	v.SetDefault("fetch.subject_type", "00")
	v.SetDefault("fetch.budget_window_hours", 24)
	v.SetDefault("fetch.max_fresh_fetches_per_window", 6)
	v.SetDefault("fetch.max_force_refreshes_per_window", 2)

	v.SetDefault("sign.min_interval_seconds", 20)
	v.SetDefault("sign.window_seconds", 900)
	v.SetDefault("sign.max_attempts_per_window", 8)
	v.SetDefault("sign.history_cap", 20)
	v.SetDefault("sign.pending_auth_ttl_seconds", 3600)
	v.SetDefault("sign.pending_reuse_seconds", 90)
	v.SetDefault("sign.auto_reinit", true)
}

// Load читает конфигурацию из переменных окружения (SERVER_PORT, CACHE_HASH_SALT, ...)
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Cache.HashSalt == "" {
		return fmt.Errorf("cache hash salt cannot be empty")
	}
	return nil
}

func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func minutes(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * time.Minute
}

func seconds(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

func (c CacheConfig) FailureTTL() time.Duration   { return minutes(c.FailureTTLMinutes) }
func (c CacheConfig) PartialTTL() time.Duration   { return minutes(c.PartialTTLMinutes) }
func (c CacheConfig) SummaryTTL() time.Duration   { return minutes(c.SummaryTTLMinutes) }
func (c CacheConfig) DetailTTL() time.Duration    { return minutes(c.DetailTTLMinutes) }
func (c CacheConfig) HistoryGrace() time.Duration { return minutes(c.HistoryGraceMinutes) }

func (c FetchConfig) TargetTimeout() time.Duration { return seconds(c.TargetTimeoutSeconds) }

func (c FetchConfig) BudgetWindow() time.Duration {
	if c.BudgetWindowHours < 1 {
		return time.Hour
	}
	return time.Duration(c.BudgetWindowHours) * time.Hour
}

func (c ProviderConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

func (c SignConfig) MinInterval() time.Duration    { return seconds(c.MinIntervalSeconds) }
func (c SignConfig) Window() time.Duration         { return seconds(c.WindowSeconds) }
func (c SignConfig) PendingAuthTTL() time.Duration { return seconds(c.PendingAuthTTLSeconds) }
func (c SignConfig) PendingReuse() time.Duration   { return seconds(c.PendingReuseSeconds) }
