package transport

import (
	"io"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/dep2p/go-overlay/internal/config"
)

// yamuxConfig 根据传输配置生成 yamux 配置
func yamuxConfig(cfg config.TransportConfig) *yamux.Config {
	c := &yamux.Config{
		AcceptBacklog:          256,
		EnableKeepAlive:        cfg.KeepAliveInterval > 0,
		KeepAliveInterval:      cfg.KeepAliveInterval,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxStreamWindowSize:    cfg.MaxStreamWindowSize,
		StreamOpenTimeout:      cfg.StreamOpenTimeout,
		StreamCloseTimeout:     time.Minute,
		LogOutput:              io.Discard,
	}
	if !c.EnableKeepAlive {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.MaxStreamWindowSize < 256*1024 {
		c.MaxStreamWindowSize = 256 * 1024
	}
	return c
}
