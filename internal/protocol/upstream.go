// 文件路径: internal/protocol/upstream.go
// 模块说明: 这是 internal 模块里的 upstream 逻辑，解析机场订阅里的节点列表。
package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/creamcroissant/subrelay/internal/region"
)

// 不是代理节点的 sing-box 出站类型。
var singboxNonProxyTypes = map[string]struct{}{
	"direct": {}, "block": {}, "dns": {}, "selector": {}, "urltest": {},
}

// Upstream 是上游订阅中的一个节点，保留其原始表示。
type Upstream struct {
	Name string
	Type string

	clash   *yaml.Node // Clash proxies 条目
	singbox string     // sing-box outbound 原始 JSON
}

// FromClash 表示节点来自 Clash YAML。
func (u Upstream) FromClash() bool { return u.clash != nil }

// ParseUpstream 解析 Clash YAML 的 proxies 或 sing-box JSON 的 outbounds。
func ParseUpstream(body []byte) ([]Upstream, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUpstreamParse)
	}
	if trimmed[0] == '{' && gjson.ValidBytes(trimmed) {
		return parseSingboxUpstream(trimmed)
	}
	return parseClashUpstream(trimmed)
}

func parseSingboxUpstream(body []byte) ([]Upstream, error) {
	outbounds := gjson.GetBytes(body, "outbounds")
	if !outbounds.IsArray() {
		return nil, fmt.Errorf("%w: outbounds array missing", ErrUpstreamParse)
	}
	var out []Upstream
	outbounds.ForEach(func(_, item gjson.Result) bool {
		typ := item.Get("type").String()
		tag := strings.TrimSpace(item.Get("tag").String())
		if tag == "" {
			return true
		}
		if _, skip := singboxNonProxyTypes[typ]; skip {
			return true
		}
		out = append(out, Upstream{Name: tag, Type: typ, singbox: item.Raw})
		return true
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no proxy outbounds", ErrUpstreamParse)
	}
	return out, nil
}

func parseClashUpstream(body []byte) ([]Upstream, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamParse, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: not a document", ErrUpstreamParse)
	}
	proxies := mappingGet(doc.Content[0], "proxies")
	if proxies == nil || proxies.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: proxies list missing", ErrUpstreamParse)
	}
	out := make([]Upstream, 0, len(proxies.Content))
	for _, item := range proxies.Content {
		name := scalarString(mappingGet(item, "name"))
		if name == "" {
			continue
		}
		out = append(out, Upstream{
			Name:  name,
			Type:  strings.ToLower(scalarString(mappingGet(item, "type"))),
			clash: item,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no proxies", ErrUpstreamParse)
	}
	return out, nil
}

// ExcludeUpstream 去掉名字匹配 pattern 的节点，匹配规则与 region.Exclude 一致。
// 在写入文档前过滤，被排除的节点不需要能转换成目标格式。
func ExcludeUpstream(upstream []Upstream, pattern string) ([]Upstream, error) {
	kept, err := region.Exclude(UpstreamNames(upstream), pattern)
	if err != nil {
		return nil, err
	}
	if len(kept) == len(upstream) {
		return upstream, nil
	}
	keep := lo.Keyify(kept)
	return lo.Filter(upstream, func(u Upstream, _ int) bool {
		_, ok := keep[u.Name]
		return ok
	}), nil
}

// UpstreamNames 返回节点名列表。
func UpstreamNames(upstream []Upstream) []string {
	return lo.Map(upstream, func(u Upstream, _ int) string { return u.Name })
}
