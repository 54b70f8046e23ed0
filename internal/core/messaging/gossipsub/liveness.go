package gossipsub

import (
	"sync"

	"github.com/dep2p/go-overlay/pkg/types"
)

// livenessTracker 网格成员存活追踪
//
// 以心跳计数衡量静默时长。发送失败会标记 peer，下一次心跳优先探测。
type livenessTracker struct {
	mu    sync.Mutex
	tick  uint64
	peers map[types.NodeID]*peerLiveness
}

type peerLiveness struct {
	lastActive uint64
	flagged    bool
	failures   int
}

func newLivenessTracker() *livenessTracker {
	return &livenessTracker{peers: make(map[types.NodeID]*peerLiveness)}
}

func (t *livenessTracker) get(peer types.NodeID) *peerLiveness {
	pl, ok := t.peers[peer]
	if !ok {
		pl = &peerLiveness{lastActive: t.tick}
		t.peers[peer] = pl
	}
	return pl
}

// Tick 推进心跳计数
func (t *livenessTracker) Tick() {
	t.mu.Lock()
	t.tick++
	t.mu.Unlock()
}

// Touch 收到 peer 的数据
func (t *livenessTracker) Touch(peer types.NodeID) {
	t.mu.Lock()
	t.get(peer).lastActive = t.tick
	t.mu.Unlock()
}

// Flag 标记 peer 待探测
func (t *livenessTracker) Flag(peer types.NodeID) {
	t.mu.Lock()
	t.get(peer).flagged = true
	t.mu.Unlock()
}

// Due 返回需要探测的 peers：被标记、静默超过 idle 个心跳或仍有未清零的失败
func (t *livenessTracker) Due(peers []types.NodeID, idle int) []types.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []types.NodeID
	for _, p := range peers {
		pl := t.get(p)
		if pl.flagged || pl.failures > 0 || t.tick-pl.lastActive >= uint64(idle) {
			due = append(due, p)
		}
	}
	return due
}

// Success 探测成功，清零失败计数
func (t *livenessTracker) Success(peer types.NodeID) {
	t.mu.Lock()
	pl := t.get(peer)
	pl.flagged = false
	pl.failures = 0
	pl.lastActive = t.tick
	t.mu.Unlock()
}

// Failure 探测失败，返回连续失败次数
func (t *livenessTracker) Failure(peer types.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pl := t.get(peer)
	pl.failures++
	return pl.failures
}

// Failures 返回连续失败次数
func (t *livenessTracker) Failures(peer types.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pl, ok := t.peers[peer]; ok {
		return pl.failures
	}
	return 0
}

// Forget 移除 peer
func (t *livenessTracker) Forget(peer types.NodeID) {
	t.mu.Lock()
	delete(t.peers, peer)
	t.mu.Unlock()
}
