package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/creamcroissant/subrelay/internal/region"
)

const clashTemplate = `mixed-port: 7890
allow-lan: false
mode: rule
proxy-providers:
  subscription:
    type: http
    url: https://placeholder.invalid/sub
    interval: 3600
    path: ./providers/subscription.yaml
    health-check:
      enable: true
      url: https://www.gstatic.com/generate_204
      interval: 300
  subscription-extra:
    type: http
    url: https://static.example.com/extra
proxy-groups:
  - name: PROXY
    type: select
    use:
      - subscription
  - name: DIRECT-ONLY
    type: select
    proxies:
      - DIRECT
rules:
  - DOMAIN-SUFFIX,local,DIRECT
  - MATCH,PROXY
`

const clashUpstream = `proxies:
  - name: HK-1
    type: ss
    server: hk.example.com
    port: 8388
    cipher: aes-128-gcm
    password: secret
  - name: TW-1
    type: trojan
    server: tw.example.com
    port: 443
    password: pw
    sni: tw.example.com
  - name: TW-2
    type: vmess
    server: tw2.example.com
    port: 443
    uuid: 7d3f6a1c-0000-4000-8000-000000000001
    alterId: 0
    cipher: auto
    tls: true
    network: ws
    ws-opts:
      path: /ray
      headers:
        Host: cdn.example.com
  - name: SG-1
    type: hysteria2
    server: sg.example.com
    port: 8443
    password: hy
    up: "50 Mbps"
`

func parseClash(t *testing.T, tmpl string) Document {
	t.Helper()
	doc, err := NewClashBuilder(Options{ProviderKey: "subscription", ListenBase: 42000}).Parse([]byte(tmpl))
	require.NoError(t, err)
	return doc
}

func decodeYAML(t *testing.T, payload []byte) (yaml.Node, map[string]any) {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal(payload, &node))
	var m map[string]any
	require.NoError(t, yaml.Unmarshal(payload, &m))
	return node, m
}

func TestClashAttachProvidersRewritesURLAndKeepsSiblings(t *testing.T) {
	doc := parseClash(t, clashTemplate)
	const userURL = "https://airport.example.com/api/v1/client/subscribe?token=abc&flag=clash"
	require.NoError(t, doc.AttachProviders(userURL, nil, ""))

	payload, err := doc.Encode()
	require.NoError(t, err)
	node, m := decodeYAML(t, payload)

	providers := m["proxy-providers"].(map[string]any)
	primary := providers["subscription"].(map[string]any)
	assert.Equal(t, userURL, primary["url"])
	assert.Equal(t, "http", primary["type"])
	assert.Equal(t, 3600, primary["interval"])
	assert.Equal(t, "./providers/subscription.yaml", primary["path"])
	assert.Equal(t, map[string]any{"enable": true, "url": "https://www.gstatic.com/generate_204", "interval": 300}, primary["health-check"])
	assert.Equal(t, "https://static.example.com/extra", providers["subscription-extra"].(map[string]any)["url"])

	assert.Equal(t, 7890, m["mixed-port"])
	assert.Equal(t, false, m["allow-lan"])
	assert.Equal(t, []string{"mixed-port", "allow-lan", "mode", "proxy-providers", "proxy-groups", "rules"}, mappingKeys(node.Content[0]))
	assert.Equal(t, []string{"type", "url", "interval", "path", "health-check"}, mappingKeys(mappingGet(mappingGet(node.Content[0], "proxy-providers"), "subscription")))
}

func TestClashAttachProvidersCreatesMissingProvider(t *testing.T) {
	doc := parseClash(t, "rules:\n  - MATCH,DIRECT\n")
	require.NoError(t, doc.AttachProviders("https://a.example.com/sub", nil, "expire"))

	payload, err := doc.Encode()
	require.NoError(t, err)
	_, m := decodeYAML(t, payload)
	entry := m["proxy-providers"].(map[string]any)["subscription"].(map[string]any)
	assert.Equal(t, "https://a.example.com/sub", entry["url"])
	assert.Equal(t, "expire", entry["exclude-filter"])
	assert.Equal(t, "http", entry["type"])
}

func TestClashAttachProvidersAppendsUniqueKeys(t *testing.T) {
	doc := parseClash(t, clashTemplate)
	require.NoError(t, doc.AttachProviders("https://main.example.com/sub", []Source{
		{Name: "Extra", URL: "https://extra.example.com/sub"},
		{URL: "https://second.example.com/sub"},
	}, ""))

	payload, err := doc.Encode()
	require.NoError(t, err)
	node, m := decodeYAML(t, payload)

	providers := mappingGet(node.Content[0], "proxy-providers")
	assert.Equal(t, []string{"subscription", "subscription-extra", "subscription-extra-2", "subscription-2"}, mappingKeys(providers))

	raw := m["proxy-providers"].(map[string]any)
	assert.Equal(t, "https://main.example.com/sub", raw["subscription"].(map[string]any)["url"])
	assert.Equal(t, "https://static.example.com/extra", raw["subscription-extra"].(map[string]any)["url"])
	assert.Equal(t, "https://extra.example.com/sub", raw["subscription-extra-2"].(map[string]any)["url"])
	assert.Equal(t, "./providers/subscription-extra-2.yaml", raw["subscription-extra-2"].(map[string]any)["path"])
	assert.Equal(t, "https://second.example.com/sub", raw["subscription-2"].(map[string]any)["url"])

	groups := m["proxy-groups"].([]any)
	assert.Equal(t, []any{"subscription", "subscription-extra-2", "subscription-2"}, groups[0].(map[string]any)["use"])
	assert.NotContains(t, groups[1].(map[string]any), "use")
}

func TestClashInlineProxiesAndSplit(t *testing.T) {
	upstream, err := ParseUpstream([]byte(clashUpstream))
	require.NoError(t, err)

	doc := parseClash(t, clashTemplate)
	require.NoError(t, doc.AttachProviders("https://main.example.com/sub", nil, ""))
	names, err := doc.InlineProxies(upstream)
	require.NoError(t, err)
	assert.Equal(t, []string{"HK-1", "TW-1", "TW-2", "SG-1"}, names)

	splitter, err := region.NewSplitter([]region.AreaCode{
		{Code: "TW", Name: "Taiwan", MatchPattern: "TW|台湾", BasePort: 0},
		{Code: "SG", Name: "Singapore", MatchPattern: "SG|新加坡", BasePort: 100},
	})
	require.NoError(t, err)
	require.NoError(t, doc.ApplySplit(splitter.Split(names)))

	payload, err := doc.Encode()
	require.NoError(t, err)
	_, m := decodeYAML(t, payload)

	proxies := m["proxies"].([]any)
	require.Len(t, proxies, 4)
	assert.Equal(t, 8388, proxies[0].(map[string]any)["port"])

	groups := m["proxy-groups"].([]any)
	require.Len(t, groups, 4)
	assert.Equal(t, "🇹🇼 Taiwan", groups[2].(map[string]any)["name"])
	assert.Equal(t, []any{"TW-1", "TW-2"}, groups[2].(map[string]any)["proxies"])
	assert.Equal(t, []any{"SG-1"}, groups[3].(map[string]any)["proxies"])

	listeners := m["listeners"].([]any)
	require.Len(t, listeners, 3)
	first := listeners[0].(map[string]any)
	assert.Equal(t, 42000, first["port"])
	assert.Equal(t, "TW-1", first["proxy"])
	assert.Equal(t, "mixed", first["type"])
	assert.Equal(t, 42001, listeners[1].(map[string]any)["port"])
	assert.Equal(t, 42100, listeners[2].(map[string]any)["port"])
}

func TestClashInlineSkipsDuplicateNames(t *testing.T) {
	upstream, err := ParseUpstream([]byte(clashUpstream))
	require.NoError(t, err)

	doc := parseClash(t, "proxies:\n  - {name: HK-1, type: socks5, server: 127.0.0.1, port: 1080}\n")
	names, err := doc.InlineProxies(upstream)
	require.NoError(t, err)
	assert.Equal(t, []string{"HK-1", "TW-1", "TW-2", "SG-1"}, names)
}

func TestClashRejectsSingboxUpstream(t *testing.T) {
	upstream, err := ParseUpstream([]byte(`{"outbounds":[{"type":"trojan","tag":"JP-1","server":"jp","server_port":443}]}`))
	require.NoError(t, err)

	_, err = parseClash(t, clashTemplate).InlineProxies(upstream)
	assert.ErrorIs(t, err, ErrUnsupportedUpstream)
}

func TestClashParseRejectsBadTemplates(t *testing.T) {
	b := NewClashBuilder(Options{})
	for _, tmpl := range []string{"", "- just\n- a list\n", "key: [unclosed\n"} {
		_, err := b.Parse([]byte(tmpl))
		assert.ErrorIs(t, err, ErrTemplateParse, tmpl)
	}
}

func TestClashRemoveProxiesDropsGroupReferences(t *testing.T) {
	doc := parseClash(t, `proxies:
  - {name: HK-1, type: socks5, server: 127.0.0.1, port: 1080}
  - {name: HK-old, type: socks5, server: 127.0.0.1, port: 1081}
proxy-groups:
  - name: PROXY
    type: select
    proxies: [HK-old, HK-1, DIRECT]
`)
	require.NoError(t, doc.RemoveProxies([]string{"HK-old"}))
	require.NoError(t, doc.RemoveProxies(nil))

	payload, err := doc.Encode()
	require.NoError(t, err)
	_, m := decodeYAML(t, payload)

	proxies := m["proxies"].([]any)
	require.Len(t, proxies, 1)
	assert.Equal(t, "HK-1", proxies[0].(map[string]any)["name"])
	groups := m["proxy-groups"].([]any)
	assert.Equal(t, []any{"HK-1", "DIRECT"}, groups[0].(map[string]any)["proxies"])
}
