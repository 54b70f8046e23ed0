package overlay

import (
	"errors"

	"github.com/dep2p/go-overlay/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-overlay/pkg/types"
)

// 公共错误定义
var (
	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ErrBootstrapFailed 所有种子均不可达
	ErrBootstrapFailed = types.ErrBootstrapFailed

	// ErrSubscriptionCancelled 订阅已取消
	ErrSubscriptionCancelled = gossipsub.ErrSubscriptionCancelled
)
