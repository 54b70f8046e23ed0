package gossipsub

import (
	"context"
	"math/rand" //nolint:gosec // G404: 仅用于候选拨号顺序
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-overlay/pkg/types"
)

// dialTimeout 补充网格候选时的拨号超时
const dialTimeout = 5 * time.Second

// ============================================================================
//                              心跳循环
// ============================================================================

func (r *Router) heartbeatLoop() {
	defer r.wg.Done()

	delay := r.clock.Timer(r.cfg.HeartbeatInitialDelay)
	select {
	case <-delay.C:
	case <-r.ctx.Done():
		delay.Stop()
		return
	}

	ticker := r.clock.Ticker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.heartbeat()
	for {
		select {
		case <-ticker.C:
			r.heartbeat()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()

	interval := r.cfg.SeenTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.seen.Sweep(); n > 0 {
				log.Debug("清理去重缓存", "expired", n, "size", r.seen.Size())
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// ============================================================================
//                              心跳执行
// ============================================================================

// heartbeat 执行一次心跳
//
// 顺序：网格维护并发送 GRAFT/PRUNE，缺口时拨号 DHT 候选，fanout 清理，
// 缓存窗口移动，IHAVE，应答排队的 IWANT，网格成员存活探测。
func (r *Router) heartbeat() {
	start := time.Now()
	r.live.Tick()

	res := r.mesh.HeartbeatMaintenance()
	r.sendMaintenance(res)
	r.dialCandidates(res.Shortfall)

	r.mesh.CleanupFanout()
	r.cache.Shift()
	r.emitGossip()
	r.serveIWants()
	r.probeMesh()

	for _, topic := range r.mesh.Topics() {
		r.metrics.MeshPeers.WithLabelValues(topic).Set(float64(len(r.mesh.MeshPeers(topic))))
	}

	log.Debug("心跳完成",
		"duration", time.Since(start),
		"grafts", countPeers(res.Grafts),
		"prunes", countPeers(res.Prunes))
}

// sendMaintenance 按对端合并发送 GRAFT 和 PRUNE
func (r *Router) sendMaintenance(res MaintenanceResult) {
	byPeer := make(map[types.NodeID]*ControlMessage)
	ctrl := func(p types.NodeID) *ControlMessage {
		c, ok := byPeer[p]
		if !ok {
			c = &ControlMessage{}
			byPeer[p] = c
		}
		return c
	}

	for topic, peers := range res.Grafts {
		for _, p := range peers {
			ctrl(p).Graft = append(ctrl(p).Graft, ControlGraft{Topic: topic})
		}
	}
	for topic, peers := range res.Prunes {
		for _, p := range peers {
			ctrl(p).Prune = append(ctrl(p).Prune, ControlPrune{Topic: topic, Backoff: r.backoffSeconds()})
		}
	}

	for p, c := range byPeer {
		if !r.send(p, &RPC{Control: c}) {
			r.live.Flag(p)
		}
	}
}

// dialCandidates 网格候选不足时连接路由表中尚未连接的节点
//
// 连接建立后交换订阅，下一次心跳即可 GRAFT。
func (r *Router) dialCandidates(shortfall map[string]int) {
	need := 0
	for _, n := range shortfall {
		if n > need {
			need = n
		}
	}
	if need == 0 {
		return
	}

	self := r.host.ID()
	candidates := r.dir.Candidates()
	for _, i := range rand.Perm(len(candidates)) {
		if need == 0 {
			return
		}
		info := candidates[i]
		if info.ID == self || r.mesh.HasPeer(info.ID) || r.host.IsConnected(info.ID) {
			continue
		}

		r.mu.Lock()
		if _, ok := r.dialing[info.ID]; ok || r.closed {
			r.mu.Unlock()
			continue
		}
		r.dialing[info.ID] = struct{}{}
		r.wg.Add(1)
		r.mu.Unlock()
		need--

		go func(info types.PeerInfo) {
			defer r.wg.Done()
			defer func() {
				r.mu.Lock()
				delete(r.dialing, info.ID)
				r.mu.Unlock()
			}()

			ctx, cancel := context.WithTimeout(r.ctx, dialTimeout)
			defer cancel()
			if err := r.host.ConnectPeer(ctx, info); err != nil {
				log.Debug("连接网格候选失败", "peer", info.ID.ShortString(), "err", err)
			}
		}(info)
	}
}

// emitGossip 向非网格主题 peers 发送 IHAVE
func (r *Router) emitGossip() {
	for _, topic := range r.mesh.Topics() {
		ids := r.cache.GossipIDs(topic)
		if len(ids) == 0 {
			continue
		}
		if len(ids) > r.cfg.MaxIHaveLength {
			ids = ids[:r.cfg.MaxIHaveLength]
		}

		rpc := &RPC{Control: &ControlMessage{IHave: []ControlIHave{{Topic: topic, MessageIDs: ids}}}}
		for _, p := range r.mesh.SelectGossipPeers(topic) {
			r.send(p, rpc)
		}
	}
}

// serveIWants 从消息缓存应答排队的 IWANT
func (r *Router) serveIWants() {
	r.iwantMu.Lock()
	queued := r.iwants
	r.iwants = make(map[types.NodeID][]types.MessageID)
	r.iwantMu.Unlock()

	for p, ids := range queued {
		var msgs []*types.Envelope
		for _, id := range ids {
			if msg, ok := r.cache.Get(id); ok {
				msgs = append(msgs, msg)
			}
		}
		if len(msgs) > 0 {
			r.send(p, &RPC{Messages: msgs})
		}
	}
}

// probeMesh 探测被标记或静默的网格成员
//
// 连续 MaxProbeFailures 次失败的成员从所有网格移除并交给路由表标记 dead。
func (r *Router) probeMesh() {
	due := r.live.Due(r.mesh.AllMeshPeers(), r.cfg.ProbeIdleHeartbeats)
	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	for _, p := range due {
		p := p
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ProbeTimeout)
			defer cancel()

			if err := r.dir.Ping(ctx, p); err != nil {
				r.metrics.ProbeFailures.Inc()
				n := r.live.Failure(p)
				log.Debug("网格成员探测失败", "peer", p.ShortString(), "failures", n, "err", err)
				if n >= r.cfg.MaxProbeFailures {
					r.evict(p)
				}
				return nil
			}
			r.live.Success(p)
			return nil
		})
	}
	_ = g.Wait()
}

func countPeers(m map[string][]types.NodeID) int {
	n := 0
	for _, peers := range m {
		n += len(peers)
	}
	return n
}
