package template

import (
	"errors"
	"fmt"
)

// 校验相关的哨兵错误。
var (
	ErrValidationFailed = errors.New("config validation failed / 配置校验失败")
)

// 结构规则名称，出现在错误信息与响应体中。
const (
	RuleParse            = "parse"
	RuleRootType         = "root-type"
	RuleProxiesMissing   = "proxies-missing"
	RuleProxiesMinCount  = "proxies-min-count"
	RuleOutboundsMissing = "outbounds-missing"
)

// StructuralError 说明合并后的文档违反了哪条结构规则。
type StructuralError struct {
	Target string // 目标格式
	Rule   string // 违反的规则
	Detail string // 附加说明
	Line   int    // 解析失败时的行号（若可用）
}

// Error 实现 error 接口。
func (e *StructuralError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s document violates %q at line %d: %s", ErrValidationFailed, e.Target, e.Rule, e.Line, e.Detail)
	}
	return fmt.Sprintf("%s: %s document violates %q: %s", ErrValidationFailed, e.Target, e.Rule, e.Detail)
}

// Unwrap 返回基础错误类型。
func (e *StructuralError) Unwrap() error {
	return ErrValidationFailed
}

func newStructuralError(target, rule, format string, args ...any) *StructuralError {
	return &StructuralError{Target: target, Rule: rule, Detail: fmt.Sprintf(format, args...)}
}
