package overlay

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/core/dht"
	"github.com/dep2p/go-overlay/internal/core/discovery/bridge"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/peerstore"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：
//  1. Identity → Transport → Host
//  2. Metrics, Peerstore
//  3. DHT → GossipSub → Discovery Bridge
//
// fx 按启动的逆序停止：发现桥先停止，路由器在连接关闭前发送 PRUNE。
func buildFxApp(cfg *nodeConfig, node *Node) (*fx.App, error) {
	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	modules := []fx.Option{
		fx.WithLogger(logger.FxLogger),
		fx.Supply(cfg.config),

		identity.Module(),
		transport.Module(),
		host.Module(),

		metrics.Module(),
		peerstore.Module(),

		dht.Module(),
		gossipsub.Module(),
	}

	if id := cfg.identity; id != nil {
		modules = append(modules, fx.Provide(fx.Annotated{
			Name:   "injected_identity",
			Target: func() *identity.Identity { return id },
		}))
	}
	if sc := cfg.channel; sc != nil {
		modules = append(modules, fx.Provide(fx.Annotated{
			Name:   "injected_channel",
			Target: func() interfaces.SecureChannel { return sc },
		}))
	}
	if cfg.config.Discovery.Enabled {
		modules = append(modules, bridge.Module())
	}

	modules = append(modules, cfg.fxOptions...)

	// 注入到 Node
	modules = append(modules, fx.Populate(
		&node.ident,
		&node.host,
		&node.metrics,
		&node.dht,
		&node.router,
	))
	if cfg.config.Discovery.Enabled {
		modules = append(modules, fx.Populate(&node.bridge))
	}

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}
