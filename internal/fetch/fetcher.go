// 文件路径: internal/fetch/fetcher.go
// 模块说明: 这是 internal 模块里的 fetcher 逻辑，负责从上游拉取订阅与规则模板原文。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/ratelimit"
)

// TrafficInfoHeader 是机场订阅在响应头里携带的流量信息。
const TrafficInfoHeader = "Subscription-Userinfo"

var (
	// ErrThrottled 表示本地令牌桶在超时时间内无法放行。
	ErrThrottled = errors.New("fetch: throttled / 上游请求被限流")
	// ErrStatus 表示上游返回了非 2xx 状态码。
	ErrStatus = errors.New("fetch: unexpected status / 上游状态码异常")
	// ErrTooLarge 表示响应体超过上限。
	ErrTooLarge = errors.New("fetch: body too large / 响应体过大")
)

// Document 是一次上游拉取的结果，进入缓存后视为只读。
type Document struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchedAt  time.Time
}

// TrafficInfo 原样返回上游的 Subscription-Userinfo 头。
func (d *Document) TrafficInfo() string {
	if d == nil || d.Header == nil {
		return ""
	}
	return strings.TrimSpace(d.Header.Get(TrafficInfoHeader))
}

// Error 描述一次失败的拉取。
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher retrieves the raw body of a remote document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Options 配置 HTTPFetcher。
type Options struct {
	Timeout       time.Duration
	UserAgent     string
	MaxBodyBytes  int64
	RatePerSecond float64
	Burst         int64
	Client        *http.Client
}

// HTTPFetcher 通过 GET 拉取远端文档，每次拉取单独计时。
type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxBody   int64
	bucket    *ratelimit.Bucket
}

// NewHTTPFetcher 创建 HTTP 拉取器。
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	f := &HTTPFetcher{
		client:    client,
		timeout:   timeout,
		userAgent: strings.TrimSpace(opts.UserAgent),
		maxBody:   maxBody,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int64(opts.RatePerSecond) + 1
		}
		f.bucket = ratelimit.NewBucketWithRate(opts.RatePerSecond, burst)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.bucket != nil && !f.bucket.WaitMaxDuration(1, f.timeout) {
		upstreamTotal.WithLabelValues("throttled").Inc()
		return nil, &Error{URL: rawURL, Err: ErrThrottled}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		upstreamTotal.WithLabelValues("error").Inc()
		return nil, &Error{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		upstreamTotal.WithLabelValues("error").Inc()
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: ErrStatus}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		upstreamTotal.WithLabelValues("error").Inc()
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > f.maxBody {
		upstreamTotal.WithLabelValues("error").Inc()
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: ErrTooLarge}
	}

	upstreamTotal.WithLabelValues("ok").Inc()
	return &Document{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		FetchedAt:  time.Now(),
	}, nil
}
