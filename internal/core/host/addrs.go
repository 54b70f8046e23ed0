package host

import (
	"net"
)

// ResolveAddrs 用观测到的远端 IP 替换通告地址中的未指定 IP
//
// 监听在 0.0.0.0 或 :: 的节点通告的地址对其他节点不可达，
// 此时用连接上观测到的 IP 和通告的端口拼出可拨号地址。
// 无法解析为 host:port 的地址原样保留。
func ResolveAddrs(advertised []string, observed string) []string {
	obsHost, _, err := net.SplitHostPort(observed)
	if err != nil {
		return append([]string(nil), advertised...)
	}

	out := make([]string, 0, len(advertised))
	for _, addr := range advertised {
		h, port, err := net.SplitHostPort(addr)
		if err != nil {
			out = append(out, addr)
			continue
		}
		if ip := net.ParseIP(h); h == "" || (ip != nil && ip.IsUnspecified()) {
			addr = net.JoinHostPort(obsHost, port)
		}
		out = append(out, addr)
	}
	return out
}
