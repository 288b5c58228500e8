// 文件路径: internal/api/handler/subscribe.go
// 模块说明: 这是 internal 模块里的 subscribe 逻辑，校验查询参数、鉴权并组装订阅响应头。
package handler

import (
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/creamcroissant/subrelay/internal/api/middleware"
	"github.com/creamcroissant/subrelay/internal/fetch"
	"github.com/creamcroissant/subrelay/internal/service"
)

const subscribeAction = "client.subscribe"

// SubscribeHandler 是订阅出口：/{uid} 与 /quick。
type SubscribeHandler struct {
	auth           service.Authenticator
	subscription   service.SubscriptionService
	updateInterval int
	logger         *slog.Logger
}

// NewSubscribeHandler 组装订阅处理器；updateIntervalHours 写入 Profile-Update-Interval。
func NewSubscribeHandler(auth service.Authenticator, subscription service.SubscriptionService, updateIntervalHours int, logger *slog.Logger) *SubscribeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscribeHandler{auth: auth, subscription: subscription, updateInterval: updateIntervalHours, logger: logger}
}

// ByUID 处理 GET /{uid}。
func (h *SubscribeHandler) ByUID(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, chi.URLParam(r, "uid"))
}

// Quick 处理 GET /quick，用户由 token 自行定位。
func (h *SubscribeHandler) Quick(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

func (h *SubscribeHandler) serve(w http.ResponseWriter, r *http.Request, uid string) {
	// 参数校验必须先于鉴权和任何上游请求
	q := r.URL.Query()
	params, err := service.ParseParams(q.Get("token"), q.Get("download"), q.Get("mode"), q.Get("target"))
	if err != nil {
		respondError(w, subscribeAction, err)
		return
	}
	params.ClientIP = middleware.ClientIP(r)
	params.UserAgent = r.UserAgent()

	user, err := h.auth.Authenticate(r.Context(), uid, params.Token)
	if err != nil {
		if service.StatusCode(err) >= http.StatusInternalServerError {
			h.logger.Error("subscription auth failed", "uid", uid, "error", err)
		}
		respondError(w, subscribeAction, err)
		return
	}

	result, err := h.subscription.Subscribe(r.Context(), user, params)
	if err != nil {
		respondError(w, subscribeAction, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", result.ContentType)
	if result.TrafficInfo != "" {
		header.Set(fetch.TrafficInfoHeader, result.TrafficInfo)
	}
	if params.Download {
		header.Set("Content-Disposition", contentDisposition(result.FileName+"."+result.Extension))
	}
	if h.updateInterval > 0 {
		header.Set("Profile-Update-Interval", strconv.Itoa(h.updateInterval))
	}
	header.Set("Cache-Control", "no-store")

	etag := formatETag(result.ETag)
	if etag != "" {
		header.Set("ETag", etag)
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Payload)
}

// contentDisposition 生成 attachment 头；非 ASCII 文件名额外附带 RFC 5987 的 filename*。
func contentDisposition(name string) string {
	if isASCII(name) {
		if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
			return v
		}
	}
	fallback := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || r == '"' || r == '\\' || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, name)
	return `attachment; filename="` + fallback + `"; filename*=UTF-8''` + strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}
