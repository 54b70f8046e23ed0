package host

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Channel interfaces.SecureChannel
}

// ProvideHost 提供 Host
func ProvideHost(lc fx.Lifecycle, input ModuleInput) *Host {
	h := New(input.Channel)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return h.Close()
		},
	})
	return h
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("host",
		fx.Provide(ProvideHost),
	)
}
