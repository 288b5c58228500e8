// 文件路径: internal/api/router.go
// 模块说明: 这是 internal 模块里的 router 逻辑，挂载中间件链、健康检查、指标与订阅路由。
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creamcroissant/subrelay/internal/api/handler"
	"github.com/creamcroissant/subrelay/internal/api/middleware"
	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/security"
	"github.com/creamcroissant/subrelay/internal/service"
)

// Services 汇总路由依赖。
type Services struct {
	Auth         service.Authenticator
	Subscription service.SubscriptionService
	RateLimiter  *security.RateLimiter
}

// Options 是路由的进程级配置。
type Options struct {
	Metrics      config.MetricsConfig
	RateLimit    config.RateLimitConfig
	Subscription config.SubscriptionConfig
	// Registry 为空时使用 prometheus 默认注册表。
	Registry *prometheus.Registry
}

// NewRouter wires the middleware chain and the subscription endpoints.
func NewRouter(logger *slog.Logger, services Services, opts Options) http.Handler {
	if services.Auth == nil {
		panic("router requires Authenticator")
	}
	if services.Subscription == nil {
		panic("router requires SubscriptionService")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		registerer, gatherer = opts.Registry, opts.Registry
	}

	r := chi.NewRouter()

	r.Use(
		chiMiddleware.RequestID,
		chiMiddleware.RealIP,
	)

	if opts.Metrics.Enabled {
		mCfg := middleware.DefaultMetricsConfig()
		if opts.Metrics.Namespace != "" {
			mCfg.Namespace = opts.Metrics.Namespace
		}
		if opts.Metrics.Subsystem != "" {
			mCfg.Subsystem = opts.Metrics.Subsystem
		}
		if len(opts.Metrics.Buckets) > 0 {
			mCfg.Buckets = opts.Metrics.Buckets
		}
		mCfg.Registerer = registerer
		r.Use(middleware.NewMetrics(mCfg).Middleware(mCfg))
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.CORS(middleware.DefaultCORSConfig()),
		middleware.BodyLimit(middleware.BodyLimitConfig{}),
	}

	if opts.RateLimit.Enabled && services.RateLimiter != nil {
		rl := middleware.DefaultRateLimitConfig(services.RateLimiter)
		rl.Limit = opts.RateLimit.Limit
		rl.Window = opts.RateLimit.Window
		rl.Logger = logger
		middlewares = append(middlewares, middleware.RateLimit(rl))
	}

	middlewares = append(middlewares,
		middleware.StructuredLogger(middleware.LoggingConfig{
			Logger:        logger,
			SlowThreshold: 2 * time.Second,
			SkipPaths:     []string{"/health", "/healthz", "/metrics"},
		}),
		chiMiddleware.Recoverer,
		chiMiddleware.Compress(5, "text/yaml", "application/json"),
	)

	r.Use(middlewares...)

	health := func(w http.ResponseWriter, _ *http.Request) {
		handler.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	r.Get("/healthz", health)
	// Alias for Docker health check
	r.Get("/health", health)

	// Prometheus metrics endpoint
	if opts.Metrics.Enabled {
		metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		if opts.Metrics.Token != "" {
			r.With(middleware.MetricsGuard(opts.Metrics.Token)).Handle("/metrics", metricsHandler)
		} else {
			r.Handle("/metrics", metricsHandler)
		}
	}

	subscribe := handler.NewSubscribeHandler(services.Auth, services.Subscription, opts.Subscription.UpdateIntervalHours, logger)
	r.Get("/quick", subscribe.Quick)
	r.Get("/{uid}", subscribe.ByUID)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		logger.Warn("unmapped route hit", "method", req.Method, "path", req.URL.Path)
		http.NotFound(w, req)
	})

	return r
}
