package fetch

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// NormalizeURL 生成缓存键：scheme/host 小写、去掉默认端口和片段、query 按键排序。
// query 保持原始编码，a=b+c 与 a=b%20c 对上游可能含义不同。
func NormalizeURL(raw string) (string, error) {
	u, err := ParseAbsolute(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = sortRawQuery(u.RawQuery)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// sortRawQuery 按键稳定排序原始 key=value 片段，同键保留原有先后，不做解码。
func sortRawQuery(raw string) string {
	pairs := lo.Compact(strings.Split(raw, "&"))
	slices.SortStableFunc(pairs, func(a, b string) int {
		ka, _, _ := strings.Cut(a, "=")
		kb, _, _ := strings.Cut(b, "=")
		return strings.Compare(ka, kb)
	})
	return strings.Join(pairs, "&")
}

// ParseAbsolute 要求地址是带主机名的 http(s) 绝对 URL。
func ParseAbsolute(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q: host is required", raw)
	}
	return u, nil
}
