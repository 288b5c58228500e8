// 文件路径: internal/bootstrap/server.go
// 模块说明: 这是 internal 模块里的 server 逻辑，构建带保守超时的 HTTP 服务。
package bootstrap

import (
	"net/http"
	"time"

	"github.com/creamcroissant/subrelay/internal/config"
)

// NewHTTPServer constructs a baseline http.Server with conservative defaults.
// 写超时要覆盖一次完整的上游拉取与合并。
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	write := 30 * time.Second
	if budget := 3*cfg.Fetch.Timeout + 5*time.Second; budget > write {
		write = budget
	}
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      write,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}
}
