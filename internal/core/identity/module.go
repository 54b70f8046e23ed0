package identity

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/util/logger"
)

var log = logger.Logger("identity")

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Config *config.Config

	// Identity 直接注入的身份（可选）
	Identity *Identity `name:"injected_identity" optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Identity *Identity
}

// ProvideIdentity 提供节点身份
//
// 优先级：注入身份 > 密钥文件 > 临时身份。
func ProvideIdentity(input ModuleInput) (ModuleOutput, error) {
	if input.Identity != nil {
		return ModuleOutput{Identity: input.Identity}, nil
	}

	var store Store = &MemoryStore{}
	if path := input.Config.Identity.KeyFile; path != "" {
		store = NewFileStore(path)
	}

	id, err := LoadOrGenerate(store)
	if err != nil {
		return ModuleOutput{}, fmt.Errorf("加载身份失败: %w", err)
	}
	return ModuleOutput{Identity: id}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(ProvideIdentity),
	)
}
