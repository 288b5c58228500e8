// 文件路径: internal/service/errors.go
// 模块说明: 这是 internal 模块里的 errors 逻辑，定义订阅流水线的错误分类及其 HTTP 状态码。
package service

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingParameter indicates a required query parameter is absent.
	ErrMissingParameter = errors.New("service: missing parameter / 缺少参数")
	// ErrInvalidParameter indicates a query parameter has an unsupported value.
	ErrInvalidParameter = errors.New("service: invalid parameter / 参数无效")
	// ErrUnauthorized indicates the token does not resolve to an active user.
	ErrUnauthorized = errors.New("service: unauthorized / 未授权")
	// ErrUpstreamFetch indicates the airport subscription could not be fetched or used.
	ErrUpstreamFetch = errors.New("service: upstream fetch failed / 上游订阅拉取失败")
	// ErrTemplateFetch indicates the rule template could not be fetched or parsed.
	ErrTemplateFetch = errors.New("service: template fetch failed / 规则模板拉取失败")
	// ErrStructuralValidation indicates the merged document failed structural checks.
	ErrStructuralValidation = errors.New("service: structural validation failed / 结构校验失败")
	// ErrSerialization indicates the merged document could not be produced.
	ErrSerialization = errors.New("service: serialization failed / 序列化失败")
	// ErrInvalidUserConfig indicates the stored user record is unusable.
	ErrInvalidUserConfig = errors.New("service: invalid user config / 用户配置无效")
)

// 流水线阶段，出现在日志与错误信息里。
const (
	StageConfig   = "config"
	StageTemplate = "template"
	StageUpstream = "upstream"
	StageAppend   = "append"
	StageMerge    = "merge"
	StageSplit    = "split"
	StageEncode   = "encode"
	StageValidate = "validate"
)

// PipelineError 记录失败的阶段与错误类别；Kind 是上面的哨兵错误之一。
type PipelineError struct {
	Kind  error
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is 让 errors.Is 同时匹配错误类别。
func (e *PipelineError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func pipelineErr(kind error, stage string, err error) error {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// StatusCode 把错误映射到 HTTP 状态码；nil 返回 200。
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingParameter), errors.Is(err, ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUpstreamFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode 返回响应体中的机器可读错误码。
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingParameter):
		return "missing_parameter"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUpstreamFetch):
		return "upstream_fetch_failed"
	case errors.Is(err, ErrTemplateFetch):
		return "template_fetch_failed"
	case errors.Is(err, ErrStructuralValidation):
		return "structural_validation_failed"
	case errors.Is(err, ErrSerialization):
		return "serialization_failed"
	case errors.Is(err, ErrInvalidUserConfig):
		return "invalid_user_config"
	default:
		return "internal_error"
	}
}
