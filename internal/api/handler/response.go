// 文件路径: internal/api/handler/response.go
// 模块说明: 这是 internal 模块里的 response 逻辑，统一 JSON 响应与错误体。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/creamcroissant/subrelay/internal/service"
	"github.com/creamcroissant/subrelay/internal/template"
)

// Helper to respond with JSON
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response JSON", "error", err)
	}
}

// RespondJSON is exported for the router's health endpoints.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	respondJSON(w, status, payload)
}

// respondError 输出 {"error", "code", "action"}，状态码由错误类别决定。
func respondError(w http.ResponseWriter, action string, err error) {
	status := service.StatusCode(err)
	respondJSON(w, status, map[string]any{
		"error":  publicMessage(status, err),
		"code":   service.ErrorCode(err),
		"action": action,
	})
}

// publicMessage 只对客户端暴露错误类别与阶段；上游地址可能带有机场 token，不能回显。
// 结构校验失败时附带规则名与说明，它们只描述合并结果，不含地址。
func publicMessage(status int, err error) string {
	var pe *service.PipelineError
	if errors.As(err, &pe) {
		msg := pe.Kind.Error() + " (" + pe.Stage + ")"
		var se *template.StructuralError
		if errors.As(pe.Err, &se) {
			msg += ": " + se.Rule + ": " + se.Detail
		}
		return msg
	}
	if status < http.StatusInternalServerError {
		return err.Error()
	}
	return http.StatusText(status)
}
