package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
http:
  addr: 127.0.0.1:9090
fetch:
  timeout: 20s
subscription:
  provider_key: airport
  default_template:
    clash: https://rules.example/clash.yaml
regions:
  - code: hk
    name: 香港
    base_port: 0
  - code: JP
    match_pattern: "日本|JP"
    base_port: 100
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, 20*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Fetch.CacheTTL)
	assert.Equal(t, "airport", cfg.Subscription.ProviderKey)
	assert.Equal(t, 42000, cfg.Subscription.ListenBase)
	assert.Equal(t, 24, cfg.Subscription.UpdateIntervalHours)

	assert.Equal(t, "https://rules.example/clash.yaml", cfg.Subscription.TemplateFor("clash"))
	assert.Equal(t, DefaultSingboxTemplateURL, cfg.Subscription.TemplateFor("SING-BOX"))

	require.Len(t, cfg.Regions, 2)
	assert.Equal(t, "hk", cfg.Regions[0].Code)
	assert.Equal(t, 100, cfg.Regions[1].BasePort)

	assert.False(t, cfg.Auth.HasCustomSigningKey())
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SUBRELAY_HTTP_ADDR", "0.0.0.0:1")
	t.Setenv("SUBRELAY_AUTH_SIGNING_KEY", "from-env")
	t.Setenv("SUBRELAY_SUBSCRIPTION_DEFAULT_TEMPLATE_CLASH", "https://env.example/clash.yaml")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:1", cfg.HTTP.Addr)
	assert.True(t, cfg.Auth.HasCustomSigningKey())
	assert.Equal(t, "https://env.example/clash.yaml", cfg.Subscription.TemplateFor("clash"))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Fetch:        FetchConfig{Timeout: time.Second},
			Subscription: SubscriptionConfig{ProviderKey: "subscription"},
			Regions:      []RegionConfig{{Code: "HK"}},
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"zero timeout":   func(c *Config) { c.Fetch.Timeout = 0 },
		"no provider":    func(c *Config) { c.Subscription.ProviderKey = " " },
		"empty code":     func(c *Config) { c.Regions = append(c.Regions, RegionConfig{}) },
		"duplicate code": func(c *Config) { c.Regions = append(c.Regions, RegionConfig{Code: "hk"}) },
		"negative port":  func(c *Config) { c.Regions[0].BasePort = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LogConfig{Level: "debug"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warning"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LogConfig{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogConfig{Level: "verbose"}.SlogLevel())
}

func TestWatchReloadsRegions(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var regions atomic.Int32
	require.NoError(t, Watch(path, logger, func(cfg *Config) {
		regions.Store(int32(len(cfg.Regions)))
	}))

	updated := sampleConfig + "  - code: US\n    base_port: 200\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool { return regions.Load() == 3 }, 5*time.Second, 50*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	assert.Error(t, Watch("", nil, func(*Config) {}))
}
