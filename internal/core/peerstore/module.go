package peerstore

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/dht"
)

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Config *config.Config
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	// PeerStore 未配置数据目录时为 nil
	PeerStore dht.PeerStore
}

// ProvidePeerStore 按配置打开存储
func ProvidePeerStore(lc fx.Lifecycle, input ModuleInput) (ModuleOutput, error) {
	cfg := input.Config.Storage
	if cfg.DataDir == "" && !cfg.InMemory {
		return ModuleOutput{}, nil
	}

	s, err := Open(cfg)
	if err != nil {
		return ModuleOutput{}, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	log.Info("路由表持久化已启用", "dir", cfg.DataDir, "memory", cfg.InMemory)
	return ModuleOutput{PeerStore: s}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("peerstore",
		fx.Provide(ProvidePeerStore),
	)
}
