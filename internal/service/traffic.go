package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// TrafficInfo 是 Subscription-Userinfo 头解析后的数值，仅用于日志与 CLI 展示。
// 响应头本身原样透传，不经过这里。
type TrafficInfo struct {
	Upload   int64
	Download int64
	Total    int64
	Expire   time.Time
}

// ParseTrafficInfo 解析 "upload=1; download=2; total=3; expire=4" 形式的头；无法识别的字段忽略。
func ParseTrafficInfo(raw string) (TrafficInfo, bool) {
	var info TrafficInfo
	found := false
	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "upload":
			info.Upload = n
		case "download":
			info.Download = n
		case "total":
			info.Total = n
		case "expire":
			if n > 0 {
				info.Expire = time.Unix(n, 0).UTC()
			}
		default:
			continue
		}
		found = true
	}
	return info, found
}

// Used 返回已用流量。
func (t TrafficInfo) Used() int64 { return t.Upload + t.Download }

// Summary 以人类可读的方式输出，例如 "12.3GB / 100GB"。
func (t TrafficInfo) Summary() string {
	used := units.BytesSize(float64(t.Used()))
	if t.Total <= 0 {
		return used
	}
	return used + " / " + units.BytesSize(float64(t.Total))
}
