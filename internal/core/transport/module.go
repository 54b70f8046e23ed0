package transport

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Config   *config.Config
	Identity *identity.Identity

	// Channel 外部注入的安全通道（可选，测试时注入内存实现）
	Channel interfaces.SecureChannel `name:"injected_channel" optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Channel interfaces.SecureChannel
}

// ProvideChannel 提供安全通道
func ProvideChannel(lc fx.Lifecycle, input ModuleInput) ModuleOutput {
	if input.Channel != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return input.Channel.Close() },
		})
		return ModuleOutput{Channel: input.Channel}
	}

	t := New(input.Identity, input.Config.Transport)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return t.Listen(input.Config.ListenAddrs)
		},
		OnStop: func(context.Context) error {
			return t.Close()
		},
	})
	return ModuleOutput{Channel: t}
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("transport",
		fx.Provide(ProvideChannel),
	)
}
