// 文件路径: internal/protocol/clash.go
// 模块说明: 这是 internal 模块里的 clash 逻辑，在 yaml.Node 树上改写 provider 并保留模板其余结构。
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/creamcroissant/subrelay/internal/region"
)

type ClashBuilder struct {
	opts Options
}

func NewClashBuilder(opts Options) *ClashBuilder {
	return &ClashBuilder{opts: opts.normalized()}
}

func (b *ClashBuilder) Target() Target { return TargetClash }

// Parse 把模板解析为节点树；顶层必须是映射。
func (b *ClashBuilder) Parse(template []byte) (Document, error) {
	if len(bytes.TrimSpace(template)) == 0 {
		return nil, fmt.Errorf("%w: empty clash template", ErrTemplateParse)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(template, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: clash template root must be a mapping", ErrTemplateParse)
	}
	return &clashDocument{opts: b.opts, doc: &doc, root: doc.Content[0]}, nil
}

type clashDocument struct {
	opts Options
	doc  *yaml.Node
	root *yaml.Node
}

func (d *clashDocument) Target() Target { return TargetClash }

func (d *clashDocument) AttachProviders(primary string, appends []Source, exclude string) error {
	providers := mappingGet(d.root, "proxy-providers")
	if providers == nil || providers.Kind != yaml.MappingNode {
		providers = mapNode()
		mappingSet(d.root, "proxy-providers", providers)
	}

	key := d.opts.ProviderKey
	entry := mappingGet(providers, key)
	if entry == nil || entry.Kind != yaml.MappingNode {
		entry = d.newProvider(key, primary)
		mappingSet(providers, key, entry)
	} else {
		mappingSet(entry, "url", strNode(primary))
	}
	if exclude = strings.TrimSpace(exclude); exclude != "" {
		mappingSet(entry, "exclude-filter", strNode(exclude))
	}

	if len(appends) == 0 {
		return nil
	}
	taken := make(map[string]struct{})
	for _, k := range mappingKeys(providers) {
		taken[k] = struct{}{}
	}
	added := make([]string, 0, len(appends))
	for i, src := range appends {
		suffix := slug(src.Name)
		if suffix == "" {
			suffix = strconv.Itoa(i + 1)
		}
		k := uniqueKey(key+"-"+suffix, taken)
		p := cloneNode(entry)
		mappingSet(p, "url", strNode(src.URL))
		if mappingGet(p, "path") != nil {
			mappingSet(p, "path", strNode("./providers/"+k+".yaml"))
		}
		mappingSet(providers, k, p)
		added = append(added, k)
	}

	// 引用主 provider 的分组同时引用附加 provider
	if groups := mappingGet(d.root, "proxy-groups"); groups != nil && groups.Kind == yaml.SequenceNode {
		for _, g := range groups.Content {
			use := mappingGet(g, "use")
			if !seqContains(use, key) {
				continue
			}
			for _, k := range added {
				use.Content = append(use.Content, strNode(k))
			}
		}
	}
	return nil
}

func (d *clashDocument) newProvider(key, url string) *yaml.Node {
	return mapNode(
		"type", "http",
		"url", url,
		"interval", d.opts.ProviderInterval,
		"path", "./providers/"+key+".yaml",
		"health-check", mapNode(
			"enable", true,
			"url", d.opts.HealthCheckURL,
			"interval", 300,
		),
	)
}

func (d *clashDocument) InlineProxies(upstream []Upstream) ([]string, error) {
	proxies := mappingGet(d.root, "proxies")
	if proxies == nil || proxies.Kind != yaml.SequenceNode {
		proxies = seqNode()
		mappingSet(d.root, "proxies", proxies)
	}
	taken := make(map[string]struct{}, len(proxies.Content)+len(upstream))
	for _, item := range proxies.Content {
		taken[scalarString(mappingGet(item, "name"))] = struct{}{}
	}
	for _, u := range upstream {
		if !u.FromClash() {
			return nil, fmt.Errorf("%w: %s outbound %q", ErrUnsupportedUpstream, TargetSingbox, u.Name)
		}
		if _, dup := taken[u.Name]; dup {
			continue
		}
		taken[u.Name] = struct{}{}
		proxies.Content = append(proxies.Content, cloneNode(u.clash))
	}

	names := make([]string, 0, len(proxies.Content))
	for _, item := range proxies.Content {
		if name := scalarString(mappingGet(item, "name")); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (d *clashDocument) RemoveProxies(names []string) error {
	if len(names) == 0 {
		return nil
	}
	drop := lo.Keyify(names)
	dropped := func(n *yaml.Node) bool {
		_, ok := drop[scalarString(n)]
		return ok
	}
	if proxies := mappingGet(d.root, "proxies"); proxies != nil && proxies.Kind == yaml.SequenceNode {
		proxies.Content = lo.Reject(proxies.Content, func(item *yaml.Node, _ int) bool {
			return dropped(mappingGet(item, "name"))
		})
	}
	if groups := mappingGet(d.root, "proxy-groups"); groups != nil && groups.Kind == yaml.SequenceNode {
		for _, g := range groups.Content {
			if list := mappingGet(g, "proxies"); list != nil && list.Kind == yaml.SequenceNode {
				list.Content = lo.Reject(list.Content, func(n *yaml.Node, _ int) bool { return dropped(n) })
			}
		}
	}
	return nil
}

// ApplySplit 为每个地区追加一个 select 分组，并为每个成员追加一个 mixed 监听器。
func (d *clashDocument) ApplySplit(plan region.Plan) error {
	groups := plan.NonEmpty()
	if len(groups) == 0 {
		return nil
	}
	proxyGroups := mappingGet(d.root, "proxy-groups")
	if proxyGroups == nil || proxyGroups.Kind != yaml.SequenceNode {
		proxyGroups = seqNode()
		mappingSet(d.root, "proxy-groups", proxyGroups)
	}
	listeners := mappingGet(d.root, "listeners")
	if listeners == nil || listeners.Kind != yaml.SequenceNode {
		listeners = seqNode()
		mappingSet(d.root, "listeners", listeners)
	}

	taken := make(map[string]struct{})
	for _, g := range proxyGroups.Content {
		taken[scalarString(mappingGet(g, "name"))] = struct{}{}
	}
	for _, g := range groups {
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, m.Name)
		}
		proxyGroups.Content = append(proxyGroups.Content, mapNode(
			"name", uniqueKey(groupName(g.Area), taken),
			"type", "select",
			"proxies", members,
		))
		for _, m := range g.Members {
			listeners.Content = append(listeners.Content, mapNode(
				"name", listenerName(g.Area, m),
				"type", "mixed",
				"listen", d.opts.ListenHost,
				"port", d.opts.ListenBase+m.Port,
				"proxy", m.Name,
			))
		}
	}
	return nil
}

func (d *clashDocument) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func groupName(area region.AreaCode) string {
	return strings.TrimSpace(region.Flag(area.Code) + " " + area.Name)
}

func listenerName(area region.AreaCode, m region.Member) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(area.Code), m.Port)
}
