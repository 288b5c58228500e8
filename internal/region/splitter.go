// 文件路径: internal/region/splitter.go
// 模块说明: 这是 internal 模块里的 splitter 逻辑，把节点按地区拆分到各自的端口组。
package region

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/biter777/countries"
	"github.com/samber/lo"
	"golang.org/x/text/width"
)

// AreaCode 描述一个静态地区：节点名匹配 MatchPattern 即归入该地区，端口从 BasePort 起排。
type AreaCode struct {
	Code         string
	Name         string
	MatchPattern string
	BasePort     int
}

// Member 是被某个地区认领的节点。
type Member struct {
	Name  string
	Index int // 在原始节点列表中的位置
	Port  int // BasePort + 组内序号
}

// Group 是一个地区的拆分结果。
type Group struct {
	Area    AreaCode
	Members []Member
}

// Plan 是一次拆分的完整结果，节点总数保持不变。
type Plan struct {
	Groups     []Group
	Unassigned []string
	Total      int
}

// Assigned 返回被地区认领的节点数。
func (p Plan) Assigned() int {
	return lo.SumBy(p.Groups, func(g Group) int { return len(g.Members) })
}

// NonEmpty 返回至少有一个成员的分组。
func (p Plan) NonEmpty() []Group {
	return lo.Filter(p.Groups, func(g Group, _ int) bool { return len(g.Members) > 0 })
}

type compiledArea struct {
	area    AreaCode
	pattern *regexp.Regexp
}

// Splitter 按声明顺序匹配地区，先声明者优先。
type Splitter struct {
	areas []compiledArea
	index map[string]int
}

// NewSplitter 编译地区表；MatchPattern 为空时按国家代码、英文名与旗帜生成默认规则。
func NewSplitter(areas []AreaCode) (*Splitter, error) {
	s := &Splitter{index: make(map[string]int, len(areas))}
	for i, area := range areas {
		area.Code = strings.ToUpper(strings.TrimSpace(area.Code))
		if area.Code == "" {
			return nil, fmt.Errorf("region[%d]: code is required", i)
		}
		if _, dup := s.index[area.Code]; dup {
			return nil, fmt.Errorf("region %s: duplicated code", area.Code)
		}
		if area.BasePort < 0 {
			return nil, fmt.Errorf("region %s: base port must not be negative", area.Code)
		}

		country := countries.ByName(area.Code)
		if strings.TrimSpace(area.Name) == "" {
			if country.IsValid() {
				area.Name = country.String()
			} else {
				area.Name = area.Code
			}
		}
		pattern := strings.TrimSpace(area.MatchPattern)
		if pattern == "" {
			if !country.IsValid() {
				return nil, fmt.Errorf("region %s: unknown country code needs an explicit match pattern", area.Code)
			}
			pattern = DefaultPattern(area.Code, country.String())
			area.MatchPattern = pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("region %s: compile pattern: %w", area.Code, err)
		}
		s.index[area.Code] = len(s.areas)
		s.areas = append(s.areas, compiledArea{area: area, pattern: re})
	}
	return s, nil
}

// DefaultPattern 生成 "CODE|Name|🇨🇨" 形式的匹配规则。
func DefaultPattern(code, name string) string {
	parts := []string{regexp.QuoteMeta(code)}
	if name = strings.TrimSpace(name); name != "" {
		parts = append(parts, regexp.QuoteMeta(name))
	}
	if flag := Flag(code); flag != "" {
		parts = append(parts, flag)
	}
	return strings.Join(parts, "|")
}

// Flag 把两位国家代码转换成旗帜 emoji。
func Flag(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return ""
	}
	var b strings.Builder
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ""
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}

// Areas 返回按声明顺序排列的地区。
func (s *Splitter) Areas() []AreaCode {
	if s == nil {
		return nil
	}
	return lo.Map(s.areas, func(a compiledArea, _ int) AreaCode { return a.area })
}

// Len 返回地区数量。
func (s *Splitter) Len() int {
	if s == nil {
		return 0
	}
	return len(s.areas)
}

// Select 按用户给出的顺序挑选地区，未知代码返回错误。
func (s *Splitter) Select(codes []string) (*Splitter, error) {
	out := &Splitter{index: make(map[string]int, len(codes))}
	for _, raw := range codes {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			continue
		}
		if _, dup := out.index[code]; dup {
			continue
		}
		pos, ok := s.lookup(code)
		if !ok {
			return nil, fmt.Errorf("region %s: not configured", code)
		}
		out.index[code] = len(out.areas)
		out.areas = append(out.areas, s.areas[pos])
	}
	return out, nil
}

func (s *Splitter) lookup(code string) (int, bool) {
	if s == nil {
		return 0, false
	}
	pos, ok := s.index[code]
	return pos, ok
}

// Split 依次用每个地区认领尚未被认领的节点。
func (s *Splitter) Split(names []string) Plan {
	plan := Plan{Total: len(names)}
	if s == nil || len(s.areas) == 0 {
		plan.Unassigned = append([]string(nil), names...)
		return plan
	}

	plan.Groups = make([]Group, len(s.areas))
	for i, a := range s.areas {
		plan.Groups[i] = Group{Area: a.area}
	}

	for idx, name := range names {
		folded := Fold(name)
		claimed := false
		for i, a := range s.areas {
			if !a.pattern.MatchString(name) && !a.pattern.MatchString(folded) {
				continue
			}
			g := &plan.Groups[i]
			g.Members = append(g.Members, Member{
				Name:  name,
				Index: idx,
				Port:  a.area.BasePort + len(g.Members),
			})
			claimed = true
			break
		}
		if !claimed {
			plan.Unassigned = append(plan.Unassigned, name)
		}
	}
	return plan
}

// Fold 把全角字符折叠为半角，并去掉首尾空白与不可见字符。
func Fold(name string) string {
	folded := width.Fold.String(name)
	return strings.TrimFunc(folded, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.Is(unicode.Cf, r)
	})
}

// Exclude 去掉名字匹配 pattern 的节点；pattern 为空时原样返回。
func Exclude(names []string, pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return names, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile exclude pattern: %w", err)
	}
	return lo.Reject(names, func(name string, _ int) bool {
		return re.MatchString(name) || re.MatchString(Fold(name))
	}), nil
}
