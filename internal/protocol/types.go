// 文件路径: internal/protocol/types.go
// 模块说明: 这是 internal 模块里的 types 逻辑，定义输出格式与合并文档的统一契约。
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creamcroissant/subrelay/internal/region"
)

// Target 是输出格式的封闭集合。
type Target string

const (
	TargetClash   Target = "clash"
	TargetSingbox Target = "sing-box"
)

var (
	// ErrUnknownTarget 表示请求了未支持的输出格式。
	ErrUnknownTarget = errors.New("protocol: unknown target / 未知的输出格式")
	// ErrTemplateParse 表示规则模板无法按目标格式解析。
	ErrTemplateParse = errors.New("protocol: template parse failed / 规则模板解析失败")
	// ErrUpstreamParse 表示上游订阅中找不到可用节点。
	ErrUpstreamParse = errors.New("protocol: upstream parse failed / 上游订阅解析失败")
	// ErrUnsupportedUpstream 表示上游格式无法写入目标格式。
	ErrUnsupportedUpstream = errors.New("protocol: upstream format not supported for target / 上游格式与目标格式不兼容")
)

// ParseTarget 解析 target 参数，空值默认为 clash。
func ParseTarget(raw string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "clash", "clash-meta", "clashmeta", "mihomo":
		return TargetClash, nil
	case "sing-box", "singbox":
		return TargetSingbox, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTarget, raw)
	}
}

func (t Target) String() string { return string(t) }

// ContentType 返回响应使用的 MIME 类型。
func (t Target) ContentType() string {
	if t == TargetSingbox {
		return "application/json"
	}
	return "text/yaml"
}

// Extension 返回附件文件扩展名（不含点）。
func (t Target) Extension() string {
	if t == TargetSingbox {
		return "json"
	}
	return "yaml"
}

// Options 是合并时使用的进程级参数，在构造时注入。
type Options struct {
	// ProviderKey 是模板中承载用户订阅地址的 proxy-provider 名称。
	ProviderKey      string
	ListenBase       int
	ListenHost       string
	HealthCheckURL   string
	ProviderInterval int
}

func (o Options) normalized() Options {
	if strings.TrimSpace(o.ProviderKey) == "" {
		o.ProviderKey = "subscription"
	}
	if strings.TrimSpace(o.ListenHost) == "" {
		o.ListenHost = "127.0.0.1"
	}
	if strings.TrimSpace(o.HealthCheckURL) == "" {
		o.HealthCheckURL = "https://www.gstatic.com/generate_204"
	}
	if o.ProviderInterval <= 0 {
		o.ProviderInterval = 3600
	}
	return o
}

// Source 是一条附加订阅。
type Source struct {
	Name string
	URL  string
}

// Document 是单次请求内存中的合并文档。
type Document interface {
	Target() Target
	// AttachProviders 把主订阅地址写入指定 provider，并为每个附加订阅追加一个唯一命名的 provider。
	AttachProviders(primary string, appends []Source, exclude string) error
	// InlineProxies 把上游节点写入文档，返回文档中全部节点名（按顺序）。
	InlineProxies(upstream []Upstream) ([]string, error)
	// RemoveProxies 删除指定节点以及分组、路由对它们的引用。
	RemoveProxies(names []string) error
	// ApplySplit 为每个非空地区分组生成分组与监听端口。
	ApplySplit(plan region.Plan) error
	Encode() ([]byte, error)
}

// Builder 负责把模板原文解析成某一格式的 Document。
type Builder interface {
	Target() Target
	Parse(template []byte) (Document, error)
}
