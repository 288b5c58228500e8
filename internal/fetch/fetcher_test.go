package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/subrelay/internal/cache"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *countingFetcher) Fetch(_ context.Context, url string) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err := f.fail[url]; err != nil {
		return nil, err
	}
	return &Document{URL: url, StatusCode: 200, Body: []byte("body:" + url), FetchedAt: time.Now()}, nil
}

func (f *countingFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func TestHTTPFetcherReturnsBodyAndTrafficHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "clash.meta", r.Header.Get("User-Agent"))
		w.Header().Set(TrafficInfoHeader, "upload=1; download=2; total=3; expire=4")
		_, _ = w.Write([]byte("proxies: []\n"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: time.Second, UserAgent: "clash.meta"})
	doc, err := f.Fetch(context.Background(), srv.URL+"/sub")
	require.NoError(t, err)
	assert.Equal(t, "proxies: []\n", string(doc.Body))
	assert.Equal(t, "upload=1; download=2; total=3; expire=4", doc.TrafficInfo())
}

func TestHTTPFetcherNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(Options{Timeout: time.Second}).Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestHTTPFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewHTTPFetcher(Options{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPFetcherBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(Options{Timeout: time.Second, MaxBodyBytes: 16}).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCachingFetcherHonoursTTL(t *testing.T) {
	ctx := context.Background()
	next := newCountingFetcher()
	store := cache.NewStore(cache.Options{DefaultTTL: time.Minute, CleanupInterval: time.Minute})
	f := NewCachingFetcher(next, store, 80*time.Millisecond, nil)

	url := "https://Example.com:443/sub?b=2&a=1#frag"
	first, err := f.Fetch(ctx, url)
	require.NoError(t, err)
	second, err := f.Fetch(ctx, "https://example.com/sub?a=1&b=2")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, next.count(url))

	time.Sleep(120 * time.Millisecond)
	_, err = f.Fetch(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, 2, next.count(url))
}

func TestCachingFetcherDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	next := newCountingFetcher()
	url := "https://example.com/broken"
	next.fail[url] = &Error{URL: url, StatusCode: 500, Err: ErrStatus}
	f := NewCachingFetcher(next, nil, time.Minute, nil)

	_, err := f.Fetch(ctx, url)
	require.Error(t, err)
	_, err = f.Fetch(ctx, url)
	require.Error(t, err)
	assert.Equal(t, 2, next.count(url))
}

func TestCachingFetcherFetchManyDeduplicates(t *testing.T) {
	ctx := context.Background()
	next := newCountingFetcher()
	f := NewCachingFetcher(next, nil, time.Minute, nil)

	urls := []string{
		"https://a.example.com/sub",
		"https://A.example.com/sub",
		"https://b.example.com/sub",
	}
	docs, err := f.FetchMany(ctx, urls)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Same(t, docs[urls[0]], docs[urls[1]])
	assert.Equal(t, "body:https://b.example.com/sub", string(docs[urls[2]].Body))
	assert.Equal(t, 1, next.count(urls[0])+next.count(urls[1]))

	_, err = f.FetchMany(ctx, urls)
	require.NoError(t, err)
	assert.Equal(t, 1, next.count(urls[2]))
}

func TestCachingFetcherFetchManyFailsFast(t *testing.T) {
	next := newCountingFetcher()
	bad := "https://bad.example.com/sub"
	next.fail[bad] = &Error{URL: bad, Err: ErrStatus}
	f := NewCachingFetcher(next, nil, time.Minute, nil)

	docs, err := f.FetchMany(context.Background(), []string{"https://ok.example.com/", bad})
	assert.Nil(t, docs)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestCachingFetcherConcurrentUse(t *testing.T) {
	next := newCountingFetcher()
	f := NewCachingFetcher(next, nil, time.Minute, nil)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Fetch(context.Background(), "https://shared.example.com/sub"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
	assert.GreaterOrEqual(t, next.count("https://shared.example.com/sub"), 1)
}

func TestNormalizeURL(t *testing.T) {
	got, err := NormalizeURL("HTTP://Example.COM:80/path?z=1&a=2#x")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/path?a=2&z=1", got)

	plus, err := NormalizeURL("https://a.example/sub?q=b+c")
	require.NoError(t, err)
	space, err := NormalizeURL("https://a.example/sub?q=b%20c")
	require.NoError(t, err)
	assert.NotEqual(t, plus, space)
	assert.Equal(t, "https://a.example/sub?q=b+c", plus)

	swapped, err := NormalizeURL("https://a.example/sub?b=2&a=1")
	require.NoError(t, err)
	ordered, err := NormalizeURL("https://a.example/sub?a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, ordered, swapped)

	repeated, err := NormalizeURL("https://a.example/sub?k=2&a=1&k=1")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/sub?a=1&k=2&k=1", repeated)

	_, err = NormalizeURL("ftp://example.com/file")
	assert.Error(t, err)
	_, err = NormalizeURL("/relative/only")
	assert.Error(t, err)
}
