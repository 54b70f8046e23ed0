package overlay

import (
	"context"
	"fmt"
	"time"
)

const (
	// startTimeout fx 启动超时
	startTimeout = 30 * time.Second

	// stopTimeout fx 停止超时，需大于路由器的 ShutdownGrace
	stopTimeout = 15 * time.Second
)

// Start 启动节点
//
// 启动所有组件后连接 WithBootstrapPeers 配置的种子。部分种子可达即成功；
// 全部不可达时返回 ErrBootstrapFailed，已启动的组件被停止，节点进入 Stopped。
// 需要在无种子时独立运行的节点（如首个种子节点）不配置种子，启动后再调用 Bootstrap。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateRunning, StateStarting:
		n.mu.Unlock()
		return ErrAlreadyStarted
	case StateStopping, StateStopped:
		n.mu.Unlock()
		return ErrNodeClosed
	}
	n.state = StateStarting
	n.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	if err := n.app.Start(startCtx); err != nil {
		n.setState(StateStopped)
		log.Error("节点启动失败", "err", err)
		return fmt.Errorf("start failed: %w", err)
	}

	if seeds := n.config.bootstrapPeers; len(seeds) > 0 {
		if err := n.dht.Bootstrap(ctx, seeds); err != nil {
			log.Error("引导失败", "seeds", seeds, "err", err)
			n.rollback()
			return fmt.Errorf("start failed: %w", err)
		}
	}

	n.setState(StateRunning)
	log.Info("节点已启动", "id", n.ID().String(), "addrs", n.Addrs(), "known", n.dht.KnownPeerCount())
	return nil
}

// rollback 停止已启动的组件
func (n *Node) rollback() {
	n.setState(StateStopping)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := n.app.Stop(ctx); err != nil {
		log.Warn("回滚停止失败", "err", err)
	}
	n.setState(StateStopped)
}

// Close 关闭节点并释放所有资源，关闭后不可重新启动
func (n *Node) Close() error {
	n.mu.Lock()
	prev := n.state
	if prev == StateStopping || prev == StateStopped {
		n.mu.Unlock()
		return nil
	}
	n.state = StateStopping
	n.mu.Unlock()

	var err error
	if prev == StateRunning {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err = n.app.Stop(ctx); err != nil {
			log.Warn("停止节点失败", "err", err)
		}
	}

	n.setState(StateStopped)
	log.Info("节点已关闭")
	return err
}

func (n *Node) setState(s NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}
