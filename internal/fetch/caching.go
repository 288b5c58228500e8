// 文件路径: internal/fetch/caching.go
// 模块说明: 这是 internal 模块里的 caching 逻辑，按规范化 URL 缓存上游文档，降低对机场的重复请求。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/creamcroissant/subrelay/internal/cache"
)

// CachingFetcher 在 next 之前加一层 TTL 缓存。
// 缓存只是优化：未命中一律实时拉取，失败结果不入缓存。
type CachingFetcher struct {
	next   Fetcher
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachingFetcher 创建带缓存的拉取器；store 为空时使用独立的内存缓存。
func NewCachingFetcher(next Fetcher, store cache.Store, ttl time.Duration, logger *slog.Logger) *CachingFetcher {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if store == nil {
		store = cache.NewStore(cache.Options{DefaultTTL: ttl})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingFetcher{
		next:   next,
		store:  store.Namespace("doc"),
		ttl:    ttl,
		logger: logger,
	}
}

// Fetch returns the cached document for url while its TTL holds, otherwise fetches live.
func (c *CachingFetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	key, err := NormalizeURL(url)
	if err != nil {
		return c.next.Fetch(ctx, url)
	}
	if v, ok := c.store.Get(ctx, key); ok {
		if doc, ok := v.(*Document); ok {
			cacheTotal.WithLabelValues("hit").Inc()
			c.logger.Debug("fetch cache hit", "url", key)
			return doc, nil
		}
	}
	cacheTotal.WithLabelValues("miss").Inc()

	doc, err := c.next.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	_ = c.store.Set(ctx, key, doc, c.ttl)
	c.logger.Debug("fetch cache stored", "url", key, "bytes", len(doc.Body))
	return doc, nil
}

// FetchMany 并发拉取多个地址，同一规范化地址只请求一次；任一失败即整体失败。
// 返回值以调用方传入的原始地址为键。
func (c *CachingFetcher) FetchMany(ctx context.Context, urls []string) (map[string]*Document, error) {
	byKey := make(map[string][]string, len(urls))
	order := make([]string, 0, len(urls))
	for _, raw := range urls {
		key, err := NormalizeURL(raw)
		if err != nil {
			key = raw
		}
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], raw)
	}

	var (
		mu     sync.Mutex
		result = make(map[string]*Document, len(urls))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range order {
		aliases := byKey[key]
		g.Go(func() error {
			doc, err := c.Fetch(gctx, aliases[0])
			if err != nil {
				return err
			}
			mu.Lock()
			for _, alias := range aliases {
				result[alias] = doc
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Prime 绕过缓存实时拉取并在成功后写入缓存；失败时保留旧条目。
func (c *CachingFetcher) Prime(ctx context.Context, url string) (*Document, error) {
	key, err := NormalizeURL(url)
	if err != nil {
		return nil, err
	}
	doc, err := c.next.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	_ = c.store.Set(ctx, key, doc, c.ttl)
	return doc, nil
}
