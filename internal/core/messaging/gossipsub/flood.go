package gossipsub

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-overlay/pkg/types"
)

// floodGuard 入站洪泛控制
//
// 每个对端一个令牌桶；超限后进入冷却期，冷却期内该对端的所有消息被丢弃。
type floodGuard struct {
	mu       sync.Mutex
	clock    clock.Clock
	limit    rate.Limit
	burst    int
	cooldown time.Duration
	peers    map[types.NodeID]*peerFlood
}

type peerFlood struct {
	limiter *rate.Limiter
	until   time.Time
}

func newFloodGuard(perSecond float64, burst int, cooldown time.Duration, clk clock.Clock) *floodGuard {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &floodGuard{
		clock:    clk,
		limit:    limit,
		burst:    burst,
		cooldown: cooldown,
		peers:    make(map[types.NodeID]*peerFlood),
	}
}

// Allow 记录一条来自 peer 的消息，超限或冷却中返回 ErrRateLimited
func (g *floodGuard) Allow(peer types.NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	pf, ok := g.peers[peer]
	if !ok {
		pf = &peerFlood{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.peers[peer] = pf
	}

	if now.Before(pf.until) {
		return types.ErrRateLimited
	}
	if !pf.limiter.AllowN(now, 1) {
		pf.until = now.Add(g.cooldown)
		log.Warn("对端超出速率限制，进入冷却",
			"peer", peer.ShortString(),
			"cooldown", g.cooldown)
		return types.ErrRateLimited
	}
	return nil
}

// InCooldown 检查 peer 是否处于冷却期
func (g *floodGuard) InCooldown(peer types.NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pf, ok := g.peers[peer]
	return ok && g.clock.Now().Before(pf.until)
}

// Forget 移除 peer 状态
func (g *floodGuard) Forget(peer types.NodeID) {
	g.mu.Lock()
	delete(g.peers, peer)
	g.mu.Unlock()
}
