package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/fetch"
	"github.com/creamcroissant/subrelay/internal/protocol"
	"github.com/creamcroissant/subrelay/internal/region"
	"github.com/creamcroissant/subrelay/internal/repository"
)

const (
	clashTemplateURL   = "https://rules.example.com/default.yaml"
	singboxTemplateURL = "https://rules.example.com/default.json"
)

const clashTemplate = `mixed-port: 7890
proxy-providers:
  subscription:
    type: http
    url: https://placeholder.invalid/sub
    interval: 3600
proxy-groups:
  - name: PROXY
    type: select
    use:
      - subscription
rules:
  - MATCH,PROXY
`

const singboxTemplate = `{
  "inbounds": [{"type": "mixed", "tag": "mixed-in", "listen_port": 7890}],
  "outbounds": [
    {"type": "selector", "tag": "proxy", "outbounds": ["direct"]},
    {"type": "direct", "tag": "direct"}
  ],
  "route": {"final": "proxy"}
}`

func upstreamBody(names ...string) string {
	var b strings.Builder
	b.WriteString("proxies:\n")
	for i, name := range names {
		fmt.Fprintf(&b, "  - name: %s\n    type: ss\n    server: s%d.example.com\n    port: 8388\n    cipher: aes-128-gcm\n    password: pw\n", name, i)
	}
	return b.String()
}

type stubFetcher struct {
	mu     sync.Mutex
	docs   map[string]string
	status map[string]int
	header map[string]http.Header
	delay  time.Duration
	calls  atomic.Int64
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		docs: map[string]string{
			clashTemplateURL:   clashTemplate,
			singboxTemplateURL: singboxTemplate,
		},
		status: map[string]int{},
		header: map[string]http.Header{},
	}
}

func (f *stubFetcher) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url] = body
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*fetch.Document, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &fetch.Error{URL: url, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if code := f.status[url]; code != 0 {
		return nil, &fetch.Error{URL: url, StatusCode: code, Err: fetch.ErrStatus}
	}
	body, ok := f.docs[url]
	if !ok {
		return nil, &fetch.Error{URL: url, StatusCode: http.StatusNotFound, Err: fetch.ErrStatus}
	}
	return &fetch.Document{URL: url, StatusCode: http.StatusOK, Header: f.header[url], Body: []byte(body)}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(t *testing.T, stub *stubFetcher, areas ...region.AreaCode) SubscriptionService {
	t.Helper()
	splitter, err := region.NewSplitter(areas)
	require.NoError(t, err)
	svc, err := NewSubscriptionService(SubscriptionDeps{
		Defaults: config.SubscriptionConfig{
			DefaultTemplate: map[string]string{"clash": clashTemplateURL, "sing-box": singboxTemplateURL},
			DefaultFileName: "relay",
		},
		Fetcher:   fetch.NewCachingFetcher(stub, nil, time.Minute, quiet()),
		Protocols: protocol.NewDefaultManager(protocol.Options{ProviderKey: "subscription", ListenBase: 42000}),
		Splitter:  splitter,
		Logger:    quiet(),
	})
	require.NoError(t, err)
	return svc
}

func proxyNames(t *testing.T, payload []byte) []string {
	t.Helper()
	var doc struct {
		Proxies []struct {
			Name string `yaml:"name"`
		} `yaml:"proxies"`
	}
	require.NoError(t, yaml.Unmarshal(payload, &doc))
	out := make([]string, 0, len(doc.Proxies))
	for _, p := range doc.Proxies {
		out = append(out, p.Name)
	}
	return out
}

func TestSubscribeFastModeClash(t *testing.T) {
	stub := newStubFetcher()
	stub.set("https://airport.example/sub", upstreamBody("HK-1", "TW-1"))
	stub.header["https://airport.example/sub"] = http.Header{"Subscription-Userinfo": {"upload=1024; download=2048; total=1073741824; expire=1900000000"}}
	svc := newService(t, stub)

	user := &repository.UserSubscription{ID: "u1", SubscribeURL: "https://airport.example/sub"}
	res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeFast})
	require.NoError(t, err)

	assert.Equal(t, "text/yaml", res.ContentType)
	assert.Equal(t, "yaml", res.Extension)
	assert.Equal(t, "relay", res.FileName)
	assert.Equal(t, "upload=1024; download=2048; total=1073741824; expire=1900000000", res.TrafficInfo)
	assert.True(t, strings.HasPrefix(res.ETag, `"`))
	assert.Equal(t, []string{"HK-1", "TW-1"}, proxyNames(t, res.Payload))
	assert.Contains(t, string(res.Payload), "url: https://airport.example/sub")
}

func TestSubscribeMultiPortSplitsByRegion(t *testing.T) {
	stub := newStubFetcher()
	stub.set("https://airport.example/sub", upstreamBody("TW-1", "TW-2", "SG-1", "HK-1"))
	svc := newService(t, stub,
		region.AreaCode{Code: "TW", Name: "Taiwan", MatchPattern: "TW", BasePort: 0},
		region.AreaCode{Code: "SG", Name: "Singapore", MatchPattern: "SG", BasePort: 100},
	)

	user := &repository.UserSubscription{
		ID:               "u1",
		SubscribeURL:     "https://airport.example/sub",
		MultiPortRegions: []string{"TW", "SG"},
		FileName:         "mine",
	}
	res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeMultiPort})
	require.NoError(t, err)
	assert.Equal(t, "mine", res.FileName)

	var doc struct {
		Proxies   []map[string]any `yaml:"proxies"`
		Listeners []struct {
			Name  string `yaml:"name"`
			Port  int    `yaml:"port"`
			Proxy string `yaml:"proxy"`
		} `yaml:"listeners"`
	}
	require.NoError(t, yaml.Unmarshal(res.Payload, &doc))
	assert.Len(t, doc.Proxies, 4)
	require.Len(t, doc.Listeners, 3)
	assert.Equal(t, 42000, doc.Listeners[0].Port)
	assert.Equal(t, "TW-1", doc.Listeners[0].Proxy)
	assert.Equal(t, 42001, doc.Listeners[1].Port)
	assert.Equal(t, 42100, doc.Listeners[2].Port)
	assert.Equal(t, "SG-1", doc.Listeners[2].Proxy)

	// fast 模式忽略地区设置
	res, err = svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeFast})
	require.NoError(t, err)
	assert.NotContains(t, string(res.Payload), "listeners:")
}

func TestSubscribeSingboxWithAppendsAndExclude(t *testing.T) {
	stub := newStubFetcher()
	stub.set("https://airport.example/sub", upstreamBody("HK-1", "剩余流量 10G"))
	stub.set("https://extra.example/sub", upstreamBody("JP-1"))
	svc := newService(t, stub)

	user := &repository.UserSubscription{
		ID:                  "u1",
		SubscribeURL:        "https://airport.example/sub",
		Target:              "clash",
		ExcludePattern:      "剩余",
		AppendSubscriptions: []repository.SubConfig{{Name: "extra", URL: "https://extra.example/sub"}},
	}
	res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeFast, Target: protocol.TargetSingbox})
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.ContentType)
	assert.Equal(t, "json", res.Extension)

	var tags []string
	gjson.GetBytes(res.Payload, "outbounds.#.tag").ForEach(func(_, v gjson.Result) bool {
		tags = append(tags, v.String())
		return true
	})
	assert.Contains(t, tags, "HK-1")
	assert.Contains(t, tags, "JP-1")
	assert.NotContains(t, tags, "剩余流量 10G")
}

func TestSubscribeErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		user   *repository.UserSubscription
		params SubscribeParams
		mutate func(*stubFetcher)
		want   error
		status int
	}{
		{
			name:   "upstream 404",
			user:   &repository.UserSubscription{ID: "u", SubscribeURL: "https://missing.example/sub"},
			want:   ErrUpstreamFetch,
			status: http.StatusBadGateway,
		},
		{
			name: "template 500",
			user: &repository.UserSubscription{ID: "u", SubscribeURL: "https://airport.example/sub"},
			mutate: func(f *stubFetcher) {
				f.status[clashTemplateURL] = http.StatusInternalServerError
			},
			want:   ErrTemplateFetch,
			status: http.StatusInternalServerError,
		},
		{
			name:   "template unparseable",
			user:   &repository.UserSubscription{ID: "u", SubscribeURL: "https://airport.example/sub", RuleTemplateURL: "https://rules.example.com/broken.yaml"},
			mutate: func(f *stubFetcher) { f.set("https://rules.example.com/broken.yaml", "- just\n- a list\n") },
			want:   ErrTemplateFetch,
			status: http.StatusInternalServerError,
		},
		{
			name:   "relative subscribe url",
			user:   &repository.UserSubscription{ID: "u", SubscribeURL: "/sub"},
			want:   ErrInvalidUserConfig,
			status: http.StatusInternalServerError,
		},
		{
			name:   "bad exclude pattern",
			user:   &repository.UserSubscription{ID: "u", SubscribeURL: "https://airport.example/sub", ExcludePattern: "("},
			want:   ErrInvalidUserConfig,
			status: http.StatusInternalServerError,
		},
		{
			name:   "unknown region",
			user:   &repository.UserSubscription{ID: "u", SubscribeURL: "https://airport.example/sub", MultiPortRegions: []string{"ZZ"}},
			params: SubscribeParams{Mode: ModeMultiPort},
			want:   ErrInvalidUserConfig,
			status: http.StatusInternalServerError,
		},
		{
			name:   "single proxy fails structural validation",
			user:   &repository.UserSubscription{ID: "u", SubscribeURL: "https://single.example/sub"},
			mutate: func(f *stubFetcher) { f.set("https://single.example/sub", upstreamBody("ONLY-1")) },
			want:   ErrStructuralValidation,
			status: http.StatusInternalServerError,
		},
		{
			name: "sing-box upstream into clash",
			user: &repository.UserSubscription{ID: "u", SubscribeURL: "https://sb.example/sub"},
			mutate: func(f *stubFetcher) {
				f.set("https://sb.example/sub", `{"outbounds":[{"type":"shadowsocks","tag":"a","server":"x","server_port":1}]}`)
			},
			want:   ErrUpstreamFetch,
			status: http.StatusBadGateway,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStubFetcher()
			stub.set("https://airport.example/sub", upstreamBody("A-1", "B-1"))
			if tc.mutate != nil {
				tc.mutate(stub)
			}
			params := tc.params
			if params.Mode == "" {
				params.Mode = ModeFast
			}
			res, err := newService(t, stub).Subscribe(context.Background(), tc.user, params)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.status, StatusCode(err))
		})
	}
}

func TestSubscribeInvalidConfigSkipsFetch(t *testing.T) {
	stub := newStubFetcher()
	svc := newService(t, stub)
	_, err := svc.Subscribe(context.Background(), &repository.UserSubscription{ID: "u", SubscribeURL: "ftp://x"}, SubscribeParams{Mode: ModeFast})
	require.ErrorIs(t, err, ErrInvalidUserConfig)
	assert.Zero(t, stub.calls.Load())
}

func TestSubscribeConcurrentUsersAreIsolated(t *testing.T) {
	stub := newStubFetcher()
	stub.delay = 5 * time.Millisecond
	const users = 16
	for i := 0; i < users; i++ {
		stub.set(fmt.Sprintf("https://airport.example/u%d", i), upstreamBody(fmt.Sprintf("U%d-A", i), fmt.Sprintf("U%d-B", i)))
	}
	svc := newService(t, stub)

	var wg sync.WaitGroup
	errs := make([]error, users)
	payloads := make([][]byte, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := &repository.UserSubscription{ID: fmt.Sprintf("u%d", i), SubscribeURL: fmt.Sprintf("https://airport.example/u%d", i)}
			res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeFast})
			errs[i] = err
			if err == nil {
				payloads[i] = res.Payload
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < users; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{fmt.Sprintf("U%d-A", i), fmt.Sprintf("U%d-B", i)}, proxyNames(t, payloads[i]))
	}
}

func TestSetRegionsSwapsTable(t *testing.T) {
	stub := newStubFetcher()
	stub.set("https://airport.example/sub", upstreamBody("JP-1", "JP-2"))
	svc := newService(t, stub)
	user := &repository.UserSubscription{ID: "u", SubscribeURL: "https://airport.example/sub", MultiPortRegions: []string{"JP"}}

	_, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeMultiPort})
	require.ErrorIs(t, err, ErrInvalidUserConfig)

	splitter, err := region.NewSplitter([]region.AreaCode{{Code: "JP", MatchPattern: "JP", BasePort: 10}})
	require.NoError(t, err)
	svc.SetRegions(splitter)

	res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeMultiPort})
	require.NoError(t, err)
	assert.Contains(t, string(res.Payload), "port: 42010")
}

const clashTemplateWithProxy = `proxies:
  - name: TW-expired
    type: ss
    server: old.example.com
    port: 8388
    cipher: aes-128-gcm
    password: pw
proxy-providers:
  subscription:
    type: http
    url: https://placeholder.invalid/sub
proxy-groups:
  - name: PROXY
    type: select
    proxies:
      - TW-expired
      - DIRECT
    use:
      - subscription
rules:
  - MATCH,PROXY
`

func TestSubscribeExcludesTemplateProxiesBeforeSplit(t *testing.T) {
	stub := newStubFetcher()
	stub.set("https://rules.example.com/own.yaml", clashTemplateWithProxy)
	stub.set("https://airport.example/sub", upstreamBody("TW-1", "TW-2", "SG-1"))
	svc := newService(t, stub, region.AreaCode{Code: "TW", Name: "Taiwan", MatchPattern: "TW", BasePort: 0})

	user := &repository.UserSubscription{
		ID:               "u1",
		SubscribeURL:     "https://airport.example/sub",
		RuleTemplateURL:  "https://rules.example.com/own.yaml",
		ExcludePattern:   "expired",
		MultiPortRegions: []string{"TW"},
	}
	res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeMultiPort})
	require.NoError(t, err)

	var doc struct {
		ProxyGroups []struct {
			Name    string   `yaml:"name"`
			Proxies []string `yaml:"proxies"`
		} `yaml:"proxy-groups"`
		Listeners []struct {
			Port  int    `yaml:"port"`
			Proxy string `yaml:"proxy"`
		} `yaml:"listeners"`
	}
	require.NoError(t, yaml.Unmarshal(res.Payload, &doc))

	assert.Equal(t, []string{"TW-1", "TW-2", "SG-1"}, proxyNames(t, res.Payload))
	require.Len(t, doc.Listeners, 2)
	assert.Equal(t, 42000, doc.Listeners[0].Port)
	assert.Equal(t, "TW-1", doc.Listeners[0].Proxy)
	assert.Equal(t, 42001, doc.Listeners[1].Port)
	assert.Equal(t, "TW-2", doc.Listeners[1].Proxy)

	require.NotEmpty(t, doc.ProxyGroups)
	assert.Equal(t, "PROXY", doc.ProxyGroups[0].Name)
	assert.Equal(t, []string{"DIRECT"}, doc.ProxyGroups[0].Proxies)
	assert.NotContains(t, string(res.Payload), "TW-expired")
}

const singboxTemplateWithProxy = `{
  "inbounds": [],
  "outbounds": [
    {"type": "selector", "tag": "proxy", "outbounds": ["TW-expired", "direct"], "default": "TW-expired"},
    {"type": "shadowsocks", "tag": "TW-expired", "server": "old.example.com", "server_port": 8388, "method": "aes-128-gcm", "password": "pw"},
    {"type": "direct", "tag": "direct"}
  ],
  "route": {"rules": [{"domain": ["old.example.com"], "outbound": "TW-expired"}], "final": "proxy"}
}`

func TestSubscribeSingboxExcludesTemplateOutbounds(t *testing.T) {
	stub := newStubFetcher()
	stub.set("https://rules.example.com/own.json", singboxTemplateWithProxy)
	stub.set("https://airport.example/sub", upstreamBody("TW-1", "SG-1"))
	svc := newService(t, stub, region.AreaCode{Code: "TW", Name: "Taiwan", MatchPattern: "TW", BasePort: 0})

	user := &repository.UserSubscription{
		ID:               "u1",
		SubscribeURL:     "https://airport.example/sub",
		RuleTemplateURL:  "https://rules.example.com/own.json",
		Target:           "sing-box",
		ExcludePattern:   "expired",
		MultiPortRegions: []string{"TW"},
	}
	res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeMultiPort})
	require.NoError(t, err)

	assert.NotContains(t, string(res.Payload), "TW-expired")
	selector := gjson.GetBytes(res.Payload, `outbounds.#(tag=="proxy")`)
	require.True(t, selector.Exists())
	assert.False(t, selector.Get("default").Exists())
	assert.Equal(t, "direct", selector.Get("outbounds.0").String())

	assert.True(t, gjson.GetBytes(res.Payload, `inbounds.#(listen_port==42000)`).Exists())
	assert.False(t, gjson.GetBytes(res.Payload, `inbounds.#(listen_port==42001)`).Exists())
	assert.Equal(t, "TW-1", gjson.GetBytes(res.Payload, "route.rules.0.outbound").String())
}

func TestSubscribeTrimsSubscribeURL(t *testing.T) {
	stub := newStubFetcher()
	stub.set("https://airport.example/sub", upstreamBody("HK-1", "TW-1"))
	svc := newService(t, stub)

	user := &repository.UserSubscription{ID: "u1", SubscribeURL: "  https://airport.example/sub \n"}
	res, err := svc.Subscribe(context.Background(), user, SubscribeParams{Mode: ModeFast})
	require.NoError(t, err)
	assert.Contains(t, string(res.Payload), "url: https://airport.example/sub\n")
}
