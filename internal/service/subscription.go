// 文件路径: internal/service/subscription.go
// 模块说明: 这是 internal 模块里的 subscription 逻辑，串起拉取、合并、地区拆分与校验，生成客户端订阅。
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/creamcroissant/subrelay/internal/async"
	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/fetch"
	"github.com/creamcroissant/subrelay/internal/protocol"
	"github.com/creamcroissant/subrelay/internal/region"
	"github.com/creamcroissant/subrelay/internal/repository"
	"github.com/creamcroissant/subrelay/internal/template"
)

// SubscriptionService 负责生成客户端订阅响应。
type SubscriptionService interface {
	Subscribe(ctx context.Context, user *repository.UserSubscription, params SubscribeParams) (*SubscriptionResult, error)
	// SetRegions 原子替换地区表，进行中的请求继续使用旧表。
	SetRegions(splitter *region.Splitter)
}

// DocumentFetcher 是流水线需要的拉取能力，fetch.CachingFetcher 满足该接口。
type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
	FetchMany(ctx context.Context, urls []string) (map[string]*fetch.Document, error)
}

// SubscriptionResult 包含订阅内容与响应所需的元数据。
type SubscriptionResult struct {
	Payload     []byte
	ContentType string
	Extension   string
	FileName    string
	TrafficInfo string
	ETag        string
	Target      protocol.Target
}

// SubscriptionDeps 汇总订阅服务依赖，构造时显式注入。
type SubscriptionDeps struct {
	Defaults  config.SubscriptionConfig
	Fetcher   DocumentFetcher
	Protocols *protocol.Manager
	Validator *template.Validator
	Splitter  *region.Splitter
	Logs      *async.SubscriptionLogQueue
	Logger    *slog.Logger
}

type subscriptionService struct {
	defaults  config.SubscriptionConfig
	fetcher   DocumentFetcher
	protocols *protocol.Manager
	validator *template.Validator
	regions   atomic.Pointer[region.Splitter]
	logs      *async.SubscriptionLogQueue
	logger    *slog.Logger
}

// NewSubscriptionService 组装订阅服务依赖。
func NewSubscriptionService(deps SubscriptionDeps) (SubscriptionService, error) {
	if deps.Fetcher == nil || deps.Protocols == nil {
		return nil, fmt.Errorf("subscription service requires fetcher and protocols / 订阅服务缺少依赖")
	}
	if deps.Validator == nil {
		deps.Validator = template.NewValidator()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &subscriptionService{
		defaults:  deps.Defaults,
		fetcher:   deps.Fetcher,
		protocols: deps.Protocols,
		validator: deps.Validator,
		logs:      deps.Logs,
		logger:    deps.Logger,
	}
	s.SetRegions(deps.Splitter)
	return s, nil
}

func (s *subscriptionService) SetRegions(splitter *region.Splitter) {
	if splitter == nil {
		splitter, _ = region.NewSplitter(nil)
	}
	s.regions.Store(splitter)
}

// plan 是校验后的单次请求计划。
type plan struct {
	target       protocol.Target
	subscribeURL string
	templateURL  string
	appends      []protocol.Source
	exclude      string
	regions      *region.Splitter
	fileName     string
}

// Subscribe 生成用户订阅：要么返回通过校验的完整文档，要么返回错误。
func (s *subscriptionService) Subscribe(ctx context.Context, user *repository.UserSubscription, params SubscribeParams) (result *SubscriptionResult, err error) {
	start := time.Now()
	defer func() {
		s.record(user, params, result, err)
		if err != nil {
			s.logger.Warn("subscription failed",
				"user_id", userID(user), "mode", params.Mode, "status", StatusCode(err), "error", err)
			return
		}
		s.logger.Debug("subscription served",
			"user_id", user.ID, "target", result.Target, "mode", params.Mode,
			"bytes", len(result.Payload), "elapsed", time.Since(start))
	}()

	p, err := s.prepare(user, params)
	if err != nil {
		return nil, err
	}

	var (
		tpl     *fetch.Document
		primary *fetch.Document
		extra   map[string]*fetch.Document
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := s.fetcher.Fetch(gctx, p.templateURL)
		if err != nil {
			return pipelineErr(ErrTemplateFetch, StageTemplate, err)
		}
		tpl = doc
		return nil
	})
	g.Go(func() error {
		doc, err := s.fetcher.Fetch(gctx, p.subscribeURL)
		if err != nil {
			return pipelineErr(ErrUpstreamFetch, StageUpstream, err)
		}
		primary = doc
		return nil
	})
	if len(p.appends) > 0 {
		g.Go(func() error {
			urls := lo.Map(p.appends, func(src protocol.Source, _ int) string { return src.URL })
			docs, err := s.fetcher.FetchMany(gctx, urls)
			if err != nil {
				return pipelineErr(ErrUpstreamFetch, StageAppend, err)
			}
			extra = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	payload, err := s.merge(p, user, tpl, primary, extra)
	if err != nil {
		return nil, err
	}

	if err := s.validator.Validate(payload, p.target); err != nil {
		return nil, pipelineErr(ErrStructuralValidation, StageValidate, err)
	}

	traffic := primary.TrafficInfo()
	if info, ok := ParseTrafficInfo(traffic); ok {
		s.logger.Debug("upstream traffic", "user_id", user.ID, "usage", info.Summary(), "expire", info.Expire)
	}

	sum := sha256.Sum256(payload)
	return &SubscriptionResult{
		Payload:     payload,
		ContentType: p.target.ContentType(),
		Extension:   p.target.Extension(),
		FileName:    p.fileName,
		TrafficInfo: traffic,
		ETag:        `"` + hex.EncodeToString(sum[:16]) + `"`,
		Target:      p.target,
	}, nil
}

// prepare 在任何拉取之前校验用户配置。
func (s *subscriptionService) prepare(user *repository.UserSubscription, params SubscribeParams) (*plan, error) {
	if user == nil {
		return nil, pipelineErr(ErrInvalidUserConfig, StageConfig, errors.New("user is nil"))
	}
	invalid := func(format string, args ...any) error {
		return pipelineErr(ErrInvalidUserConfig, StageConfig, fmt.Errorf(format, args...))
	}

	subscribeURL := strings.TrimSpace(user.SubscribeURL)
	if _, err := fetch.ParseAbsolute(subscribeURL); err != nil {
		return nil, invalid("subscribe url: %w", err)
	}

	target := params.Target
	if target == "" {
		t, err := protocol.ParseTarget(user.Target)
		if err != nil {
			return nil, invalid("stored target: %w", err)
		}
		target = t
	}

	p := &plan{target: target, subscribeURL: subscribeURL, exclude: strings.TrimSpace(user.ExcludePattern)}

	p.templateURL = strings.TrimSpace(user.RuleTemplateURL)
	if p.templateURL == "" {
		p.templateURL = s.defaults.TemplateFor(target.String())
	}
	if _, err := fetch.ParseAbsolute(p.templateURL); err != nil {
		return nil, invalid("rule template url: %w", err)
	}

	for i, sub := range user.AppendSubscriptions {
		if _, err := fetch.ParseAbsolute(sub.URL); err != nil {
			return nil, invalid("append subscription %d: %w", i, err)
		}
		p.appends = append(p.appends, protocol.Source{Name: sub.Name, URL: strings.TrimSpace(sub.URL)})
	}

	if p.exclude != "" {
		if _, err := regexp.Compile(p.exclude); err != nil {
			return nil, invalid("exclude pattern: %w", err)
		}
	}

	if params.Mode == ModeMultiPort && len(user.MultiPortRegions) > 0 {
		selected, err := s.regions.Load().Select(user.MultiPortRegions)
		if err != nil {
			return nil, invalid("multi-port regions: %w", err)
		}
		p.regions = selected
	}

	p.fileName = strings.TrimSpace(user.FileName)
	if p.fileName == "" {
		p.fileName = strings.TrimSpace(s.defaults.DefaultFileName)
	}
	if p.fileName == "" {
		p.fileName = "subscription"
	}
	return p, nil
}

// merge 在单次请求的内存文档上完成模板合并与地区拆分。
func (s *subscriptionService) merge(p *plan, user *repository.UserSubscription, tpl, primary *fetch.Document, extra map[string]*fetch.Document) ([]byte, error) {
	doc, err := s.protocols.Parse(p.target, tpl.Body)
	if err != nil {
		return nil, pipelineErr(ErrTemplateFetch, StageTemplate, err)
	}
	if err := doc.AttachProviders(p.subscribeURL, p.appends, p.exclude); err != nil {
		return nil, pipelineErr(ErrTemplateFetch, StageMerge, err)
	}

	upstream, err := protocol.ParseUpstream(primary.Body)
	if err != nil {
		return nil, pipelineErr(ErrUpstreamFetch, StageUpstream, err)
	}
	for _, src := range p.appends {
		more, err := protocol.ParseUpstream(extra[src.URL].Body)
		if err != nil {
			return nil, pipelineErr(ErrUpstreamFetch, StageAppend, fmt.Errorf("%s: %w", src.URL, err))
		}
		upstream = append(upstream, more...)
	}
	upstream, err = protocol.ExcludeUpstream(upstream, p.exclude)
	if err != nil {
		return nil, pipelineErr(ErrInvalidUserConfig, StageConfig, err)
	}

	names, err := doc.InlineProxies(upstream)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedUpstream) || errors.Is(err, protocol.ErrUpstreamParse) {
			return nil, pipelineErr(ErrUpstreamFetch, StageMerge, err)
		}
		return nil, pipelineErr(ErrTemplateFetch, StageMerge, err)
	}

	// 模板自带的节点同样受排除规则约束，排除后才参与地区拆分
	kept, err := region.Exclude(names, p.exclude)
	if err != nil {
		return nil, pipelineErr(ErrInvalidUserConfig, StageConfig, err)
	}
	if removed := lo.Without(names, kept...); len(removed) > 0 {
		if err := doc.RemoveProxies(removed); err != nil {
			return nil, pipelineErr(ErrTemplateFetch, StageMerge, err)
		}
	}

	if p.regions != nil && p.regions.Len() > 0 {
		split := p.regions.Split(kept)
		s.logger.Debug("region split",
			"user_id", user.ID, "total", split.Total, "assigned", split.Assigned(), "unassigned", len(split.Unassigned))
		if err := doc.ApplySplit(split); err != nil {
			return nil, pipelineErr(ErrSerialization, StageSplit, err)
		}
	}

	payload, err := doc.Encode()
	if err != nil {
		return nil, pipelineErr(ErrSerialization, StageEncode, err)
	}
	return payload, nil
}

func (s *subscriptionService) record(user *repository.UserSubscription, params SubscribeParams, result *SubscriptionResult, err error) {
	if s.logs == nil || user == nil {
		return
	}
	entry := &repository.SubscriptionLog{
		UserID:    user.ID,
		IP:        params.ClientIP,
		UserAgent: params.UserAgent,
		Target:    params.Target.String(),
		Mode:      string(params.Mode),
		Status:    StatusCode(err),
	}
	if result != nil {
		entry.Target = result.Target.String()
		entry.Bytes = len(result.Payload)
	}
	s.logs.Enqueue(entry)
}

func userID(user *repository.UserSubscription) string {
	if user == nil {
		return ""
	}
	return user.ID
}
