// 文件路径: internal/bootstrap/infra.go
// 模块说明: 这是 internal 模块里的 infra 逻辑，按配置组装缓存、令牌、限流、拉取与合并组件。
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/creamcroissant/subrelay/internal/auth/token"
	"github.com/creamcroissant/subrelay/internal/cache"
	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/fetch"
	"github.com/creamcroissant/subrelay/internal/protocol"
	"github.com/creamcroissant/subrelay/internal/region"
	"github.com/creamcroissant/subrelay/internal/security"
	"github.com/creamcroissant/subrelay/internal/template"
)

// Infrastructure bundles shared components required by the subscription pipeline.
type Infrastructure struct {
	Cache       cache.Store
	Token       *token.Manager
	RateLimiter *security.RateLimiter
	Fetcher     *fetch.CachingFetcher
	Splitter    *region.Splitter
	Protocols   *protocol.Manager
	Validator   *template.Validator
}

// BuildInfrastructure wires default implementations; signingKey 由 ResolveSigningKey 提供。
func BuildInfrastructure(cfg *config.Config, signingKey string, logger *slog.Logger) (*Infrastructure, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required / 配置不能为空")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cacheStore := cache.NewStore(cache.Options{
		Prefix:          "subrelay",
		DefaultTTL:      cfg.Fetch.CacheTTL,
		CleanupInterval: cfg.Fetch.CacheCleanup,
	})

	tokenManager, err := token.NewManager(token.Options{
		SigningKey: []byte(signingKey),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		TTL:        cfg.Auth.TokenTTL,
		Leeway:     cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	rateLimiter, err := security.NewRateLimiter(cacheStore)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	live := fetch.NewHTTPFetcher(fetch.Options{
		Timeout:       cfg.Fetch.Timeout,
		UserAgent:     cfg.Fetch.UserAgent,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
		RatePerSecond: cfg.Fetch.RatePerSecond,
		Burst:         cfg.Fetch.Burst,
	})
	fetcher := fetch.NewCachingFetcher(live, cacheStore, cfg.Fetch.CacheTTL, logger.With("component", "fetch"))

	splitter, err := BuildSplitter(cfg.Regions)
	if err != nil {
		return nil, fmt.Errorf("region table: %w", err)
	}

	return &Infrastructure{
		Cache:       cacheStore,
		Token:       tokenManager,
		RateLimiter: rateLimiter,
		Fetcher:     fetcher,
		Splitter:    splitter,
		Protocols:   protocol.NewDefaultManager(ProtocolOptions(cfg)),
		Validator:   template.NewValidator(),
	}, nil
}

// BuildSplitter 把配置中的地区表编译为 Splitter。
func BuildSplitter(regions []config.RegionConfig) (*region.Splitter, error) {
	areas := make([]region.AreaCode, 0, len(regions))
	for _, r := range regions {
		areas = append(areas, region.AreaCode{
			Code:         r.Code,
			Name:         r.Name,
			MatchPattern: r.MatchPattern,
			BasePort:     r.BasePort,
		})
	}
	return region.NewSplitter(areas)
}

// ProtocolOptions 从订阅配置派生合并参数。
func ProtocolOptions(cfg *config.Config) protocol.Options {
	return protocol.Options{
		ProviderKey:      cfg.Subscription.ProviderKey,
		ListenBase:       cfg.Subscription.ListenBase,
		ListenHost:       cfg.Subscription.ListenHost,
		HealthCheckURL:   cfg.Subscription.HealthCheckURL,
		ProviderInterval: cfg.Subscription.UpdateIntervalHours * 3600,
	}
}
