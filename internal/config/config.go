package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultSigningKey 是占位密钥，启动时会被数据库中持久化的随机密钥替代。
const DefaultSigningKey = "change-me"

// Config 汇总应用的全部配置。
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Regions      []RegionConfig     `mapstructure:"regions"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Warmup       WarmupConfig       `mapstructure:"warmup"`
	AccessLog    AccessLogConfig    `mapstructure:"access_log"`
}

// HTTPConfig 定义 HTTP 服务配置。
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig 定义日志配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	AddSource  bool   `mapstructure:"add_source"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DBConfig 定义数据库配置。
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig 定义订阅令牌的签发与校验配置。
type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Leeway     time.Duration `mapstructure:"leeway"`
}

// FetchConfig 定义上游拉取行为。
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheCleanup  time.Duration `mapstructure:"cache_cleanup"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int64         `mapstructure:"burst"`
}

// SubscriptionConfig 是合并流程的进程级默认值，构造时显式注入而非全局读取。
type SubscriptionConfig struct {
	DefaultTemplate     map[string]string `mapstructure:"default_template"`
	ProviderKey         string            `mapstructure:"provider_key"`
	DefaultFileName     string            `mapstructure:"default_file_name"`
	ListenBase          int               `mapstructure:"listen_base"`
	ListenHost          string            `mapstructure:"listen_host"`
	UpdateIntervalHours int               `mapstructure:"update_interval_hours"`
	HealthCheckURL      string            `mapstructure:"health_check_url"`
}

// RegionConfig 描述一个静态区域（AreaCode）。
type RegionConfig struct {
	Code         string `mapstructure:"code"`
	Name         string `mapstructure:"name"`
	MatchPattern string `mapstructure:"match_pattern"`
	BasePort     int    `mapstructure:"base_port"`
}

// RateLimitConfig 定义按客户端 IP 的限流。
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// MetricsConfig 定义 Prometheus 指标配置。
type MetricsConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	Namespace string    `mapstructure:"namespace"`
	Subsystem string    `mapstructure:"subsystem"`
	Token     string    `mapstructure:"token"`
	Buckets   []float64 `mapstructure:"buckets"`
}

// WarmupConfig 控制默认规则模板的定时预热。
type WarmupConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Spec       string `mapstructure:"spec"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// AccessLogConfig 控制订阅访问日志的记录与清理。
type AccessLogConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Retention   time.Duration `mapstructure:"retention"`
	CleanupSpec string        `mapstructure:"cleanup_spec"`
}

// HasCustomSigningKey 报告是否显式配置了签名密钥。
func (c AuthConfig) HasCustomSigningKey() bool {
	key := strings.TrimSpace(c.SigningKey)
	return key != "" && key != DefaultSigningKey
}

func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TemplateFor 返回目标格式的默认规则模板地址。
func (c SubscriptionConfig) TemplateFor(target string) string {
	if c.DefaultTemplate == nil {
		return ""
	}
	return strings.TrimSpace(c.DefaultTemplate[strings.ToLower(target)])
}

// Validate 检查启动期必须满足的配置约束。
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required / 配置不能为空")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if strings.TrimSpace(c.Subscription.ProviderKey) == "" {
		return fmt.Errorf("subscription.provider_key is required")
	}
	seen := make(map[string]struct{}, len(c.Regions))
	for i, region := range c.Regions {
		code := strings.ToUpper(strings.TrimSpace(region.Code))
		if code == "" {
			return fmt.Errorf("regions[%d].code is required", i)
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("regions[%d].code %q is duplicated", i, code)
		}
		seen[code] = struct{}{}
		if region.BasePort < 0 {
			return fmt.Errorf("regions[%d].base_port must not be negative", i)
		}
	}
	return nil
}
