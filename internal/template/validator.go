package template

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/creamcroissant/subrelay/internal/protocol"
)

// MinClashProxies 是 Clash 文档 proxies 的最少条目数，单节点无法驱动故障转移与负载均衡分组。
const MinClashProxies = 2

// ValidationResult 包含校验结果。
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Proxies  int      `json:"proxies"`
}

// AddError 添加错误并标记为无效。
func (r *ValidationResult) AddError(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddWarning 添加告警信息。
func (r *ValidationResult) AddWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator 负责合并结果的结构校验。
type Validator struct {
	minClashProxies int
}

// NewValidator 创建新的校验器。
func NewValidator() *Validator {
	return &Validator{minClashProxies: MinClashProxies}
}

// Validate 检查文档是否满足目标格式的最小结构，失败时返回 *StructuralError。
func (v *Validator) Validate(content []byte, target protocol.Target) error {
	_, err := v.check(content, target)
	return err
}

// Report 在 Validate 的基础上补充非致命告警，供命令行使用。
func (v *Validator) Report(content []byte, target protocol.Target) *ValidationResult {
	result := &ValidationResult{Valid: true}
	count, err := v.check(content, target)
	result.Proxies = count
	if err != nil {
		var se *StructuralError
		if errors.As(err, &se) {
			result.AddError("%s: %s", se.Rule, se.Detail)
		} else {
			result.AddError("%v", err)
		}
		return result
	}

	switch target {
	case protocol.TargetClash:
		v.clashWarnings(content, result)
	case protocol.TargetSingbox:
		v.singboxWarnings(content, result)
	}
	return result
}

func (v *Validator) check(content []byte, target protocol.Target) (int, error) {
	switch target {
	case protocol.TargetClash:
		return v.checkClash(content)
	case protocol.TargetSingbox:
		return v.checkSingbox(content)
	default:
		return 0, fmt.Errorf("%w: %s", protocol.ErrUnknownTarget, target)
	}
}

func (v *Validator) checkClash(content []byte) (int, error) {
	target := protocol.TargetClash.String()
	if len(bytes.TrimSpace(content)) == 0 {
		return 0, newStructuralError(target, RuleParse, "document is empty")
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		se := newStructuralError(target, RuleParse, "%v", err)
		se.Line = yamlErrorLine(err)
		return 0, se
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return 0, newStructuralError(target, RuleRootType, "top level must be a mapping")
	}
	root := doc.Content[0]
	var proxies *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "proxies" {
			proxies = root.Content[i+1]
			break
		}
	}
	if proxies == nil || proxies.Kind != yaml.SequenceNode {
		return 0, newStructuralError(target, RuleProxiesMissing, "document has no proxies list")
	}
	count := len(proxies.Content)
	if count < v.minClashProxies {
		return count, newStructuralError(target, RuleProxiesMinCount, "proxies has %d entries, need at least %d", count, v.minClashProxies)
	}
	return count, nil
}

func (v *Validator) checkSingbox(content []byte) (int, error) {
	target := protocol.TargetSingbox.String()
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return 0, newStructuralError(target, RuleParse, "document is empty")
	}
	if !gjson.ValidBytes(trimmed) {
		return 0, newStructuralError(target, RuleParse, "document is not valid JSON")
	}
	root := gjson.ParseBytes(trimmed)
	if !root.IsObject() {
		return 0, newStructuralError(target, RuleRootType, "top level must be an object")
	}
	outbounds := root.Get("outbounds")
	if !outbounds.IsArray() {
		return 0, newStructuralError(target, RuleOutboundsMissing, "document has no outbounds array")
	}
	return len(outbounds.Array()), nil
}

func (v *Validator) clashWarnings(content []byte, result *ValidationResult) {
	var cfg map[string]any
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return
	}
	if _, ok := cfg["proxy-groups"]; !ok {
		result.AddWarning("Missing 'proxy-groups' section - clients will only see the flat proxy list")
	}
	if _, ok := cfg["rules"]; !ok {
		result.AddWarning("Missing 'rules' section - all traffic follows the default policy")
	}
	proxies, _ := cfg["proxies"].([]any)
	for i, p := range proxies {
		entry, ok := p.(map[string]any)
		if !ok {
			result.AddWarning("proxies[%d] is not a mapping", i)
			continue
		}
		if _, ok := entry["name"]; !ok {
			result.AddWarning("proxies[%d] missing 'name'", i)
		}
		if _, ok := entry["type"]; !ok {
			result.AddWarning("proxies[%d] missing 'type'", i)
		}
	}
}

func (v *Validator) singboxWarnings(content []byte, result *ValidationResult) {
	root := gjson.ParseBytes(content)
	if !root.Get("inbounds").Exists() {
		result.AddWarning("Missing 'inbounds' section - client must supply its own inbound")
	}
	if !root.Get("route").Exists() {
		result.AddWarning("Missing 'route' section - all traffic goes to the first outbound")
	}
	for i, out := range root.Get("outbounds").Array() {
		if !out.Get("type").Exists() {
			result.AddWarning("outbounds[%d] missing 'type'", i)
		}
		if !out.Get("tag").Exists() {
			result.AddWarning("outbounds[%d] missing 'tag'", i)
		}
	}
}

// yamlErrorLine 从 yaml.v3 的 "yaml: line N: ..." 错误中提取行号。
func yamlErrorLine(err error) int {
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr != nil {
		return 0
	}
	return line
}
