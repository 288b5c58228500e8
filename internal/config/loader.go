package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DefaultClashTemplateURL 是未配置时使用的 Clash 规则模板。
const DefaultClashTemplateURL = "https://raw.githubusercontent.com/creamcroissant/subrelay-rules/main/default.clash.yaml"

// DefaultSingboxTemplateURL 是未配置时使用的 sing-box 规则模板。
const DefaultSingboxTemplateURL = "https://raw.githubusercontent.com/creamcroissant/subrelay-rules/main/default.sing-box.json"

// Load 读取配置文件、环境变量与默认值；path 为空时按默认路径查找 config.yaml。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch 在配置文件变更时重新解析并回调，用于热更新区域表。
func Watch(path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("watch config: no config file in use")
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name, "regions", len(cfg.Regions))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/subrelay/")
	}

	v.SetEnvPrefix("SUBRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"subscription.default_template.clash", "subscription.default_template.sing-box"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// 没有配置文件时依赖环境变量与默认值
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// viper 对 map 键做了小写处理，这里再兜底一次空值
	if cfg.Subscription.TemplateFor("clash") == "" || cfg.Subscription.TemplateFor("sing-box") == "" {
		if cfg.Subscription.DefaultTemplate == nil {
			cfg.Subscription.DefaultTemplate = map[string]string{}
		}
		if cfg.Subscription.TemplateFor("clash") == "" {
			cfg.Subscription.DefaultTemplate["clash"] = DefaultClashTemplateURL
		}
		if cfg.Subscription.TemplateFor("sing-box") == "" {
			cfg.Subscription.DefaultTemplate["sing-box"] = DefaultSingboxTemplateURL
		}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("database.path", "data/subrelay.db")

	v.SetDefault("auth.signing_key", DefaultSigningKey)
	v.SetDefault("auth.issuer", "subrelay")
	v.SetDefault("auth.audience", "subrelay-client")
	v.SetDefault("auth.token_ttl", "8760h")
	v.SetDefault("auth.leeway", "30s")

	v.SetDefault("fetch.timeout", "8s")
	v.SetDefault("fetch.user_agent", "clash.meta")
	v.SetDefault("fetch.max_body_bytes", 8<<20)
	v.SetDefault("fetch.cache_ttl", "60s")
	v.SetDefault("fetch.cache_cleanup", "5m")
	v.SetDefault("fetch.rate_per_second", 20)
	v.SetDefault("fetch.burst", 40)

	v.SetDefault("subscription.default_template.clash", DefaultClashTemplateURL)
	v.SetDefault("subscription.default_template.sing-box", DefaultSingboxTemplateURL)
	v.SetDefault("subscription.provider_key", "subscription")
	v.SetDefault("subscription.default_file_name", "subscription")
	v.SetDefault("subscription.listen_base", 42000)
	v.SetDefault("subscription.listen_host", "127.0.0.1")
	v.SetDefault("subscription.update_interval_hours", 24)
	v.SetDefault("subscription.health_check_url", "https://www.gstatic.com/generate_204")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "subrelay")
	v.SetDefault("metrics.subsystem", "http")

	v.SetDefault("warmup.enabled", true)
	v.SetDefault("warmup.spec", "@every 5m")
	v.SetDefault("warmup.max_retries", 3)

	v.SetDefault("access_log.enabled", true)
	v.SetDefault("access_log.retention", "720h")
	v.SetDefault("access_log.cleanup_spec", "@daily")
}
