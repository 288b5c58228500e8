// 文件路径: internal/protocol/manager.go
// 模块说明: 这是 internal 模块里的 manager 逻辑，按输出格式标签分发到对应的构建器。
package protocol

import (
	"fmt"
	"sort"
)

// Manager 管理可用的格式构建器，并按目标格式匹配。
type Manager struct {
	builders map[Target]Builder
}

// NewManager 创建注册表并可预加载构建器。
func NewManager(builders ...Builder) *Manager {
	m := &Manager{builders: make(map[Target]Builder, len(builders))}
	for _, builder := range builders {
		m.Register(builder)
	}
	return m
}

// NewDefaultManager 注册 Clash 与 sing-box 两种构建器。
func NewDefaultManager(opts Options) *Manager {
	return NewManager(NewClashBuilder(opts), NewSingboxBuilder(opts))
}

// Register 将构建器注册到表中，同一格式后注册者覆盖先注册者。
func (m *Manager) Register(builder Builder) {
	if builder == nil {
		return
	}
	m.builders[builder.Target()] = builder
}

// Targets 返回已注册的格式。
func (m *Manager) Targets() []string {
	out := make([]string, 0, len(m.builders))
	for target := range m.builders {
		out = append(out, target.String())
	}
	sort.Strings(out)
	return out
}

// Parse 选择目标格式的构建器并解析模板。
func (m *Manager) Parse(target Target, template []byte) (Document, error) {
	builder, ok := m.builders[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return builder.Parse(template)
}
