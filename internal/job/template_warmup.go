package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/creamcroissant/subrelay/internal/fetch"
)

// Primer 是可以绕过缓存刷新单个地址的拉取器。
type Primer interface {
	Prime(ctx context.Context, url string) (*fetch.Document, error)
}

// TemplateWarmupJob 定时刷新默认规则模板的缓存，让请求路径尽量命中缓存。
// 重试只发生在这里，请求路径本身从不重试。
type TemplateWarmupJob struct {
	Primer     Primer
	URLs       func() []string
	MaxRetries int
	Logger     *slog.Logger

	initialInterval time.Duration
}

// NewTemplateWarmupJob 创建预热任务；urls 每次运行时调用，便于配置热更新。
func NewTemplateWarmupJob(primer Primer, urls func() []string, maxRetries int, logger *slog.Logger) *TemplateWarmupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &TemplateWarmupJob{
		Primer:          primer,
		URLs:            urls,
		MaxRetries:      maxRetries,
		Logger:          logger,
		initialInterval: 500 * time.Millisecond,
	}
}

// Name implements Runnable interface.
func (j *TemplateWarmupJob) Name() string {
	return "template.warmup"
}

// Run implements Runnable interface.
func (j *TemplateWarmupJob) Run(ctx context.Context) error {
	if j == nil || j.Primer == nil || j.URLs == nil {
		return fmt.Errorf("template warmup job dependencies not configured / 模板预热任务依赖未配置")
	}

	var errs []error
	for _, url := range j.URLs() {
		if url == "" {
			continue
		}
		if err := j.warm(ctx, url); err != nil {
			j.Logger.Warn("template warmup failed", "url", url, "error", err)
			errs = append(errs, err)
			continue
		}
		j.Logger.Debug("template warmed", "url", url)
	}
	return errors.Join(errs...)
}

func (j *TemplateWarmupJob) warm(ctx context.Context, url string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = j.initialInterval
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		_, err := j.Primer.Prime(ctx, url)
		if err == nil {
			return nil
		}
		// 4xx 不会因为重试而改变
		var fe *fetch.Error
		if errors.As(err, &fe) && fe.StatusCode >= http.StatusBadRequest && fe.StatusCode < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		j.Logger.Debug("template warmup retry", "url", url, "attempt", attempt, "wait", wait, "error", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(j.MaxRetries)), ctx)
	return backoff.RetryNotify(op, b, notify)
}
