package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/subrelay/internal/cache"
	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/region"
	"github.com/creamcroissant/subrelay/internal/repository"
	"github.com/creamcroissant/subrelay/internal/security"
	"github.com/creamcroissant/subrelay/internal/service"
)

type staticAuth struct{}

func (staticAuth) Authenticate(_ context.Context, uid, _ string) (*repository.UserSubscription, error) {
	return &repository.UserSubscription{ID: uid}, nil
}

type staticSubscription struct{}

func (staticSubscription) Subscribe(context.Context, *repository.UserSubscription, service.SubscribeParams) (*service.SubscriptionResult, error) {
	return &service.SubscriptionResult{
		Payload:     []byte("proxies: []\n"),
		ContentType: "text/yaml",
		Extension:   "yaml",
		FileName:    "relay",
		ETag:        `"e"`,
	}, nil
}

func (staticSubscription) SetRegions(*region.Splitter) {}

func newRouter(t *testing.T, opts Options) http.Handler {
	t.Helper()
	limiter, err := security.NewRateLimiter(cache.NewStore(cache.Options{}))
	require.NoError(t, err)
	opts.Registry = prometheus.NewRegistry()
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), Services{
		Auth:         staticAuth{},
		Subscription: staticSubscription{},
		RateLimiter:  limiter,
	}, opts)
}

func get(h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterRoutes(t *testing.T) {
	h := newRouter(t, Options{
		Metrics:      config.MetricsConfig{Enabled: true, Token: "m"},
		Subscription: config.SubscriptionConfig{UpdateIntervalHours: 12},
	})

	rec := get(h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = get(h, "/alice?token=t")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12", rec.Header().Get("Profile-Update-Interval"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusOK, get(h, "/quick?token=t").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/alice").Code)

	assert.Equal(t, http.StatusUnauthorized, get(h, "/metrics").Code)
	rec = get(h, "/metrics", "Authorization", "Bearer m")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "subrelay_http_requests_total")

	assert.Equal(t, http.StatusNotFound, get(h, "/a/b/c").Code)
}

func TestRouterRateLimit(t *testing.T) {
	h := newRouter(t, Options{RateLimit: config.RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute}})

	assert.Equal(t, http.StatusOK, get(h, "/alice?token=t").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/alice?token=t").Code)
	// 健康检查不计入限流
	assert.Equal(t, http.StatusOK, get(h, "/healthz").Code)
}

func TestRouterCompressesYAML(t *testing.T) {
	h := newRouter(t, Options{})
	rec := get(h, "/alice?token=t", "Accept-Encoding", "gzip")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}
