package config

import (
	"fmt"
	"net"

	"go.uber.org/multierr"
)

// ValidationError 配置校验错误
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("配置错误 [%s]: %s", e.Field, e.Message)
}

// validator 累积校验错误
type validator struct {
	err error
}

func (v *validator) check(ok bool, field, message string) {
	if !ok {
		v.err = multierr.Append(v.err, &ValidationError{Field: field, Message: message})
	}
}

// Validate 校验配置
//
// 返回所有违规项的聚合错误，可用 multierr.Errors 拆分。
func (c *Config) Validate() error {
	v := &validator{}

	v.check(len(c.ListenAddrs) > 0, "ListenAddrs", "至少需要一个监听地址")
	for _, addr := range c.ListenAddrs {
		_, _, err := net.SplitHostPort(addr)
		v.check(err == nil, "ListenAddrs", fmt.Sprintf("无效地址 %q", addr))
	}

	v.validateTransport(&c.Transport)
	v.validateDHT(&c.DHT)
	v.validateGossip(&c.Gossip)
	v.validateDiscovery(&c.Discovery)

	return v.err
}

func (v *validator) validateTransport(t *TransportConfig) {
	v.check(t.DialTimeout > 0, "Transport.DialTimeout", "必须大于 0")
	v.check(t.HandshakeTimeout > 0, "Transport.HandshakeTimeout", "必须大于 0")
	v.check(t.MaxFrameSize >= 1024, "Transport.MaxFrameSize", "不能小于 1024")
	v.check(t.MaxStreamWindowSize >= 256*1024, "Transport.MaxStreamWindowSize", "不能小于 256KiB")
}

func (v *validator) validateDHT(d *DHTConfig) {
	v.check(d.BucketSize > 0, "DHT.BucketSize", "必须大于 0")
	v.check(d.Alpha > 0, "DHT.Alpha", "必须大于 0")
	v.check(d.MaxRounds > 0, "DHT.MaxRounds", "必须大于 0")
	v.check(d.LookupTimeout > 0, "DHT.LookupTimeout", "必须大于 0")
	v.check(d.QueryTimeout > 0, "DHT.QueryTimeout", "必须大于 0")
	v.check(d.RefreshInterval > 0, "DHT.RefreshInterval", "必须大于 0")
	v.check(d.MaxFailures > 0, "DHT.MaxFailures", "必须大于 0")
}

func (v *validator) validateGossip(g *GossipConfig) {
	v.check(g.Dlo > 0, "Gossip.Dlo", "必须大于 0")
	v.check(g.Dlo <= g.D && g.D <= g.Dhi, "Gossip.D", "需满足 Dlo <= D <= Dhi")
	v.check(g.Dlazy >= 0, "Gossip.Dlazy", "不能为负")
	v.check(g.HeartbeatInterval > 0, "Gossip.HeartbeatInterval", "必须大于 0")
	v.check(g.HistoryLength > 0, "Gossip.HistoryLength", "必须大于 0")
	v.check(g.HistoryGossip > 0 && g.HistoryGossip <= g.HistoryLength,
		"Gossip.HistoryGossip", "需满足 0 < HistoryGossip <= HistoryLength")
	v.check(g.SeenTTL > 0, "Gossip.SeenTTL", "必须大于 0")
	v.check(g.SeenCacheSize > 0, "Gossip.SeenCacheSize", "必须大于 0")
	v.check(g.MaxMessageSize > 0, "Gossip.MaxMessageSize", "必须大于 0")
	v.check(g.PeerRateLimit > 0 && g.PeerRateBurst > 0, "Gossip.PeerRateLimit", "速率与突发上限必须大于 0")
	v.check(g.MaxProbeFailures > 0, "Gossip.MaxProbeFailures", "必须大于 0")
	v.check(g.OutboxSize > 0, "Gossip.OutboxSize", "必须大于 0")
	v.check(g.SubscriptionBuffer > 0, "Gossip.SubscriptionBuffer", "必须大于 0")
}

func (v *validator) validateDiscovery(d *DiscoveryConfig) {
	if !d.Enabled {
		return
	}
	v.check(d.Topic != "", "Discovery.Topic", "不能为空")
	v.check(d.Interval > 0, "Discovery.Interval", "必须大于 0")
	v.check(d.KnownLimit > 0, "Discovery.KnownLimit", "必须大于 0")
}
