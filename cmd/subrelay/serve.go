package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/creamcroissant/subrelay/internal/api"
	"github.com/creamcroissant/subrelay/internal/async"
	"github.com/creamcroissant/subrelay/internal/bootstrap"
	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/job"
	"github.com/creamcroissant/subrelay/internal/repository/sqlite"
	"github.com/creamcroissant/subrelay/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the subscription relay server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	db, err := bootstrap.OpenAndMigrate(ctx, cfg.DB.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	signingKey, source, err := bootstrap.ResolveSigningKey(ctx, db, cfg.Auth, time.Now)
	if err != nil {
		return err
	}
	logger.Info("signing key loaded", "source", string(source))

	infra, err := bootstrap.BuildInfrastructure(cfg, signingKey, logger)
	if err != nil {
		return err
	}

	store := sqlite.NewStore(db)

	var subLogQueue *async.SubscriptionLogQueue
	if cfg.AccessLog.Enabled {
		subLogQueue = async.NewSubscriptionLogQueue(store.SubscriptionLogs(), logger, async.QueueOptions{})
	}

	subscription, err := service.NewSubscriptionService(service.SubscriptionDeps{
		Defaults:  cfg.Subscription,
		Fetcher:   infra.Fetcher,
		Protocols: infra.Protocols,
		Validator: infra.Validator,
		Splitter:  infra.Splitter,
		Logs:      subLogQueue,
		Logger:    logger.With("component", "subscription"),
	})
	if err != nil {
		return err
	}

	scheduler := job.NewScheduler(logger)
	if cfg.Warmup.Enabled {
		templates := lo.Uniq(lo.Values(cfg.Subscription.DefaultTemplate))
		warmup := job.NewTemplateWarmupJob(infra.Fetcher, func() []string {
			return templates
		}, cfg.Warmup.MaxRetries, logger)
		if _, err := scheduler.Register(cfg.Warmup.Spec, warmup); err != nil {
			return err
		}
		scheduler.RunNow(warmup)
	}
	if cfg.AccessLog.Enabled {
		cleanup := job.NewSubscriptionLogCleanupJob(store.SubscriptionLogs(), cfg.AccessLog.Retention, logger)
		if _, err := scheduler.Register(cfg.AccessLog.CleanupSpec, cleanup); err != nil {
			return err
		}
	}
	scheduler.Start()

	if err := config.Watch(configPath, logger, func(next *config.Config) {
		splitter, err := bootstrap.BuildSplitter(next.Regions)
		if err != nil {
			logger.Warn("region table rejected, keeping previous", "error", err)
			return
		}
		// 只有地区表支持热更新，其它字段需要重启
		subscription.SetRegions(splitter)
		logger.Info("region table swapped", "regions", splitter.Len())
	}); err != nil {
		logger.Info("config hot reload disabled", "reason", err)
	}

	router := api.NewRouter(logger, api.Services{
		Auth:         service.NewTokenAuthenticator(store.UserSubscriptions(), infra.Token),
		Subscription: subscription,
		RateLimiter:  infra.RateLimiter,
	}, api.Options{
		Metrics:      cfg.Metrics,
		RateLimit:    cfg.RateLimit,
		Subscription: cfg.Subscription,
	})

	server := bootstrap.NewHTTPServer(cfg, router)

	go func() {
		logger.Info("http server starting", "addr", cfg.HTTP.Addr, "version", Version, "regions", infra.Splitter.Len())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down http server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop in time")
	}

	if subLogQueue != nil {
		subLogQueue.Stop(shutdownCtx)
		if dropped := subLogQueue.Dropped(); dropped > 0 {
			logger.Warn("subscription logs dropped", "count", dropped)
		}
	}
	logger.Info("server exited cleanly")
	return nil
}
