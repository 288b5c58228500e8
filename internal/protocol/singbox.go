package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/creamcroissant/subrelay/internal/region"
)

type SingboxBuilder struct {
	opts Options
}

func NewSingboxBuilder(opts Options) *SingboxBuilder {
	return &SingboxBuilder{opts: opts.normalized()}
}

func (b *SingboxBuilder) Target() Target { return TargetSingbox }

func (b *SingboxBuilder) Parse(template []byte) (Document, error) {
	trimmed := bytes.TrimSpace(template)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty sing-box template", ErrTemplateParse)
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, fmt.Errorf("%w: sing-box template is not valid JSON", ErrTemplateParse)
	}
	if !gjson.ParseBytes(trimmed).IsObject() {
		return nil, fmt.Errorf("%w: sing-box template root must be an object", ErrTemplateParse)
	}
	return &singboxDocument{opts: b.opts, raw: string(trimmed)}, nil
}

// singboxDocument 直接在 JSON 原文上编辑，未触碰的字段保持原样与原顺序。
type singboxDocument struct {
	opts Options
	raw  string
}

func (d *singboxDocument) Target() Target { return TargetSingbox }

// AttachProviders 仅在模板声明了 providers 数组时改写对应条目；
// 标准 sing-box 没有 provider 概念，节点由 InlineProxies 直接写入。
func (d *singboxDocument) AttachProviders(primary string, appends []Source, exclude string) error {
	providers := gjson.Get(d.raw, "providers")
	if !providers.IsArray() {
		return nil
	}
	key := d.opts.ProviderKey
	index := -1
	taken := make(map[string]struct{})
	var entryRaw string
	for i, p := range providers.Array() {
		tag := p.Get("tag").String()
		taken[tag] = struct{}{}
		if tag == key && index < 0 {
			index = i
			entryRaw = p.Raw
		}
	}
	if index < 0 {
		return nil
	}

	var err error
	if d.raw, err = sjson.Set(d.raw, fmt.Sprintf("providers.%d.url", index), primary); err != nil {
		return err
	}
	if exclude = strings.TrimSpace(exclude); exclude != "" {
		if d.raw, err = sjson.Set(d.raw, fmt.Sprintf("providers.%d.exclude", index), exclude); err != nil {
			return err
		}
	}
	for i, src := range appends {
		suffix := slug(src.Name)
		if suffix == "" {
			suffix = fmt.Sprint(i + 1)
		}
		tag := uniqueKey(key+"-"+suffix, taken)
		entry, err := sjson.Set(entryRaw, "tag", tag)
		if err != nil {
			return err
		}
		if entry, err = sjson.Set(entry, "url", src.URL); err != nil {
			return err
		}
		if d.raw, err = sjson.SetRaw(d.raw, "providers.-1", entry); err != nil {
			return err
		}
	}
	return nil
}

func (d *singboxDocument) InlineProxies(upstream []Upstream) ([]string, error) {
	var err error
	if !gjson.Get(d.raw, "outbounds").IsArray() {
		if d.raw, err = sjson.SetRaw(d.raw, "outbounds", "[]"); err != nil {
			return nil, err
		}
	}
	existing := gjson.Get(d.raw, "outbounds").Array()
	taken := make(map[string]struct{}, len(existing)+len(upstream))
	for _, item := range existing {
		taken[item.Get("tag").String()] = struct{}{}
	}

	added := make([]string, 0, len(upstream))
	for _, u := range upstream {
		if _, dup := taken[u.Name]; dup {
			continue
		}
		raw, ok := clashToSingbox(u)
		if !ok {
			continue
		}
		if d.raw, err = sjson.SetRaw(d.raw, "outbounds.-1", raw); err != nil {
			return nil, err
		}
		taken[u.Name] = struct{}{}
		added = append(added, u.Name)
	}
	if len(upstream) > 0 && len(added) == 0 && len(d.proxyTags()) == 0 {
		return nil, fmt.Errorf("%w: no upstream proxy converts to a sing-box outbound", ErrUnsupportedUpstream)
	}

	injected := false
	for i, item := range existing {
		typ := item.Get("type").String()
		if typ != "selector" && typ != "urltest" {
			continue
		}
		injected = true
		if len(added) == 0 {
			continue
		}
		tags := make([]string, 0, len(added))
		for _, t := range item.Get("outbounds").Array() {
			tags = append(tags, t.String())
		}
		tags = append(tags, added...)
		if d.raw, err = sjson.Set(d.raw, fmt.Sprintf("outbounds.%d.outbounds", i), tags); err != nil {
			return nil, err
		}
	}
	if !injected && len(added) > 0 {
		selector := newOutbound("selector", uniqueKey("proxy", taken))
		selector.set("outbounds", added)
		if err := d.prepend("outbounds", selector.raw); err != nil {
			return nil, err
		}
	}
	return d.proxyTags(), nil
}

func (d *singboxDocument) proxyTags() []string {
	var tags []string
	gjson.Get(d.raw, "outbounds").ForEach(func(_, item gjson.Result) bool {
		if _, skip := singboxNonProxyTypes[item.Get("type").String()]; !skip {
			if tag := item.Get("tag").String(); tag != "" {
				tags = append(tags, tag)
			}
		}
		return true
	})
	return tags
}

// RemoveProxies 删除代理出站，并清理 selector/urltest 成员与指向它们的路由规则。
func (d *singboxDocument) RemoveProxies(names []string) error {
	if len(names) == 0 {
		return nil
	}
	outbounds := gjson.Get(d.raw, "outbounds")
	if !outbounds.IsArray() {
		return nil
	}
	wanted := lo.Keyify(names)
	drop := make(map[string]struct{}, len(names))
	for _, item := range outbounds.Array() {
		tag := item.Get("tag").String()
		_, nonProxy := singboxNonProxyTypes[item.Get("type").String()]
		if _, ok := wanted[tag]; ok && !nonProxy {
			drop[tag] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return nil
	}

	var err error
	parts := make([]string, 0, len(outbounds.Array()))
	for _, item := range outbounds.Array() {
		typ := item.Get("type").String()
		_, nonProxy := singboxNonProxyTypes[typ]
		if _, ok := drop[item.Get("tag").String()]; ok && !nonProxy {
			continue
		}
		raw := item.Raw
		if typ == "selector" || typ == "urltest" {
			members := item.Get("outbounds").Array()
			kept := make([]string, 0, len(members))
			for _, m := range members {
				if _, ok := drop[m.String()]; !ok {
					kept = append(kept, m.String())
				}
			}
			if len(kept) != len(members) {
				if raw, err = sjson.Set(raw, "outbounds", kept); err != nil {
					return err
				}
			}
			if _, ok := drop[item.Get("default").String()]; ok {
				if raw, err = sjson.Delete(raw, "default"); err != nil {
					return err
				}
			}
		}
		parts = append(parts, raw)
	}
	if d.raw, err = sjson.SetRaw(d.raw, "outbounds", "["+strings.Join(parts, ",")+"]"); err != nil {
		return err
	}

	rules := gjson.Get(d.raw, "route.rules")
	if !rules.IsArray() {
		return nil
	}
	keptRules := make([]string, 0, len(rules.Array()))
	for _, rule := range rules.Array() {
		if _, ok := drop[rule.Get("outbound").String()]; ok {
			continue
		}
		keptRules = append(keptRules, rule.Raw)
	}
	if len(keptRules) == len(rules.Array()) {
		return nil
	}
	d.raw, err = sjson.SetRaw(d.raw, "route.rules", "["+strings.Join(keptRules, ",")+"]")
	return err
}

// ApplySplit 为每个地区追加 selector，为每个成员追加 mixed 入站并把路由规则放在最前。
func (d *singboxDocument) ApplySplit(plan region.Plan) error {
	groups := plan.NonEmpty()
	if len(groups) == 0 {
		return nil
	}
	taken := make(map[string]struct{})
	gjson.Get(d.raw, "outbounds").ForEach(func(_, item gjson.Result) bool {
		taken[item.Get("tag").String()] = struct{}{}
		return true
	})

	var err error
	rules := make([]string, 0, plan.Assigned())
	for _, g := range groups {
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, m.Name)
		}
		selector := newOutbound("selector", uniqueKey(groupName(g.Area), taken))
		selector.set("outbounds", members)
		if d.raw, err = sjson.SetRaw(d.raw, "outbounds.-1", selector.raw); err != nil {
			return err
		}

		for _, m := range g.Members {
			tag := "in-" + listenerName(g.Area, m)
			inbound := newOutbound("mixed", tag)
			inbound.set("listen", d.opts.ListenHost)
			inbound.set("listen_port", d.opts.ListenBase+m.Port)
			if d.raw, err = sjson.SetRaw(d.raw, "inbounds.-1", inbound.raw); err != nil {
				return err
			}
			rule := &outbound{raw: `{}`}
			rule.set("inbound", []string{tag})
			rule.set("outbound", m.Name)
			rules = append(rules, rule.raw)
		}
	}
	return d.prepend("route.rules", rules...)
}

// prepend 把 items 放到 path 处数组的最前面。
func (d *singboxDocument) prepend(path string, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	parts := append([]string(nil), items...)
	for _, item := range gjson.Get(d.raw, path).Array() {
		parts = append(parts, item.Raw)
	}
	next, err := sjson.SetRaw(d.raw, path, "["+strings.Join(parts, ",")+"]")
	if err != nil {
		return err
	}
	d.raw = next
	return nil
}

func (d *singboxDocument) Encode() ([]byte, error) {
	if !gjson.Valid(d.raw) {
		return nil, fmt.Errorf("sing-box document is not valid JSON after merge")
	}
	return pretty.PrettyOptions([]byte(d.raw), &pretty.Options{Width: 80, Indent: "  "}), nil
}
