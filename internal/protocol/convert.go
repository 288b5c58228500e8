package protocol

import (
	"strings"

	"github.com/tidwall/sjson"
)

// outbound 逐字段构建 sing-box 出站 JSON，sjson 按写入顺序保留键序。
type outbound struct {
	raw string
}

func newOutbound(typ, tag string) *outbound {
	o := &outbound{raw: `{}`}
	o.set("type", typ)
	o.set("tag", tag)
	return o
}

func (o *outbound) set(path string, value any) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return
		}
	case int:
		if v == 0 {
			return
		}
	case bool:
		if !v {
			return
		}
	case []string:
		if len(v) == 0 {
			return
		}
	case map[string]any:
		if len(v) == 0 {
			return
		}
	case nil:
		return
	}
	if next, err := sjson.Set(o.raw, path, value); err == nil {
		o.raw = next
	}
}

// clashToSingbox 把 Clash 节点转换为 sing-box 出站；不支持的类型返回 false。
func clashToSingbox(u Upstream) (string, bool) {
	if u.clash == nil {
		return u.singbox, u.singbox != ""
	}
	var p map[string]any
	if err := u.clash.Decode(&p); err != nil {
		return "", false
	}

	server := settingString(p, "server")
	port := settingInt(p, "port")
	if server == "" || port == 0 {
		return "", false
	}

	var o *outbound
	switch u.Type {
	case "ss", "shadowsocks":
		o = newOutbound("shadowsocks", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("method", settingString(p, "cipher"))
		o.set("password", settingString(p, "password"))
		applyShadowsocksPlugin(o, p)
	case "vmess":
		o = newOutbound("vmess", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("uuid", settingString(p, "uuid"))
		security := settingString(p, "cipher")
		if security == "" {
			security = "auto"
		}
		o.set("security", security)
		o.set("alter_id", settingInt(p, "alterId"))
		if settingBool(p, "tls") {
			applyTLS(o, p, "servername")
		}
		applyTransport(o, p)
	case "vless":
		o = newOutbound("vless", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("uuid", settingString(p, "uuid"))
		o.set("flow", settingString(p, "flow"))
		if settingBool(p, "tls") || settingMap(p, "reality-opts") != nil {
			applyTLS(o, p, "servername")
		}
		applyTransport(o, p)
	case "trojan":
		o = newOutbound("trojan", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("password", settingString(p, "password"))
		applyTLS(o, p, "sni")
		applyTransport(o, p)
	case "hysteria2", "hy2":
		o = newOutbound("hysteria2", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("password", settingString(p, "password"))
		o.set("up_mbps", mbps(settingString(p, "up")))
		o.set("down_mbps", mbps(settingString(p, "down")))
		if obfs := settingString(p, "obfs"); obfs != "" {
			o.set("obfs.type", obfs)
			o.set("obfs.password", settingString(p, "obfs-password"))
		}
		applyTLS(o, p, "sni")
	case "tuic":
		o = newOutbound("tuic", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("uuid", settingString(p, "uuid"))
		o.set("password", settingString(p, "password"))
		o.set("congestion_control", settingString(p, "congestion-controller"))
		o.set("udp_relay_mode", settingString(p, "udp-relay-mode"))
		applyTLS(o, p, "sni")
	case "socks5", "socks":
		o = newOutbound("socks", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("version", "5")
		o.set("username", settingString(p, "username"))
		o.set("password", settingString(p, "password"))
	case "http":
		o = newOutbound("http", u.Name)
		o.set("server", server)
		o.set("server_port", port)
		o.set("username", settingString(p, "username"))
		o.set("password", settingString(p, "password"))
		if settingBool(p, "tls") {
			applyTLS(o, p, "sni")
		}
	default:
		return "", false
	}
	return o.raw, true
}

func applyTLS(o *outbound, p map[string]any, sniKey string) {
	o.set("tls.enabled", true)
	serverName := settingString(p, sniKey)
	if serverName == "" {
		serverName = settingString(p, "servername")
	}
	o.set("tls.server_name", serverName)
	o.set("tls.insecure", settingBool(p, "skip-cert-verify"))
	o.set("tls.alpn", settingStrings(p, "alpn"))
	if fp := settingString(p, "client-fingerprint"); fp != "" {
		o.set("tls.utls.enabled", true)
		o.set("tls.utls.fingerprint", fp)
	}
	if reality := settingMap(p, "reality-opts"); reality != nil {
		o.set("tls.reality.enabled", true)
		o.set("tls.reality.public_key", settingString(reality, "public-key"))
		o.set("tls.reality.short_id", settingString(reality, "short-id"))
	}
}

func applyTransport(o *outbound, p map[string]any) {
	switch settingString(p, "network") {
	case "ws":
		opts := settingMap(p, "ws-opts")
		o.set("transport.type", "ws")
		o.set("transport.path", settingString(opts, "path"))
		if headers := settingMap(opts, "headers"); headers != nil {
			o.set("transport.headers.Host", settingString(headers, "Host"))
		}
	case "grpc":
		opts := settingMap(p, "grpc-opts")
		o.set("transport.type", "grpc")
		o.set("transport.service_name", settingString(opts, "grpc-service-name"))
	case "h2", "http":
		opts := settingMap(p, "h2-opts")
		if opts == nil {
			opts = settingMap(p, "http-opts")
		}
		o.set("transport.type", "http")
		o.set("transport.host", settingStrings(opts, "host"))
		o.set("transport.path", settingString(opts, "path"))
	}
}

func applyShadowsocksPlugin(o *outbound, p map[string]any) {
	plugin := settingString(p, "plugin")
	opts := settingMap(p, "plugin-opts")
	switch plugin {
	case "obfs":
		o.set("plugin", "obfs-local")
		parts := []string{"obfs=" + settingString(opts, "mode")}
		if host := settingString(opts, "host"); host != "" {
			parts = append(parts, "obfs-host="+host)
		}
		o.set("plugin_opts", strings.Join(parts, ";"))
	case "v2ray-plugin":
		o.set("plugin", "v2ray-plugin")
		parts := []string{"mode=" + settingString(opts, "mode")}
		if host := settingString(opts, "host"); host != "" {
			parts = append(parts, "host="+host)
		}
		if path := settingString(opts, "path"); path != "" {
			parts = append(parts, "path="+path)
		}
		if settingBool(opts, "tls") {
			parts = append(parts, "tls")
		}
		o.set("plugin_opts", strings.Join(parts, ";"))
	}
}

// mbps 解析 "100 Mbps" / "100" 这样的带宽写法。
func mbps(raw string) int {
	raw = strings.TrimSpace(strings.ToLower(raw))
	raw = strings.TrimSuffix(raw, "mbps")
	raw = strings.TrimSpace(raw)
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
