package dht

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

// NumBuckets 桶数量，等于 NodeID 位长
const NumBuckets = types.NodeIDLen * 8

// defaultProbeTimeout 未配置 QueryTimeout 时的满桶探测超时
const defaultProbeTimeout = 3 * time.Second

// Prober 探测节点存活
type Prober interface {
	Probe(ctx context.Context, rec types.PeerRecord) error
}

// ProberFunc 函数形式的 Prober
type ProberFunc func(ctx context.Context, rec types.PeerRecord) error

// Probe 实现 Prober
func (f ProberFunc) Probe(ctx context.Context, rec types.PeerRecord) error {
	return f(ctx, rec)
}

// ============================================================================
//                              K 桶
// ============================================================================

// kBucket K 桶，最久未见的在前
type kBucket struct {
	peers       []*types.PeerRecord
	lastRefresh time.Time

	// probing 正在探测最旧节点，同一时刻每个桶最多一个探测
	probing bool
}

func (b *kBucket) find(id types.NodeID) int {
	for i, p := range b.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (b *kBucket) remove(i int) {
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
}

// touch 将第 i 个节点移到末尾（最近见到）
func (b *kBucket) touch(i int) {
	p := b.peers[i]
	b.remove(i)
	b.peers = append(b.peers, p)
}

// ============================================================================
//                              路由表
// ============================================================================

// RoutingTable Kademlia 路由表
//
// 第 i 个桶保存与本节点公共前缀长度为 i 的节点，容量为 k。
// 桶满时插入会探测最旧节点，探测失败才驱逐。
type RoutingTable struct {
	self  types.NodeID
	k     int
	cfg   config.DHTConfig
	clock clock.Clock

	mu      sync.Mutex
	buckets [NumBuckets]*kBucket
	prober  Prober
	baseCtx context.Context
}

// NewRoutingTable 创建路由表
func NewRoutingTable(self types.NodeID, cfg config.DHTConfig, clk clock.Clock) *RoutingTable {
	if clk == nil {
		clk = clock.New()
	}
	rt := &RoutingTable{
		self:  self,
		k:     cfg.BucketSize,
		cfg:     cfg,
		clock:   clk,
		baseCtx: context.Background(),
	}
	now := clk.Now()
	for i := range rt.buckets {
		rt.buckets[i] = &kBucket{
			peers:       make([]*types.PeerRecord, 0, rt.k),
			lastRefresh: now,
		}
	}
	return rt
}

// SetProber 设置满桶时使用的探测器
func (rt *RoutingTable) SetProber(p Prober) {
	rt.mu.Lock()
	rt.prober = p
	rt.mu.Unlock()
}

// SetContext 设置满桶探测的上下文
//
// 探测不继承调用方的上下文，只随 ctx 结束，单次探测以 QueryTimeout 为限。
func (rt *RoutingTable) SetContext(ctx context.Context) {
	rt.mu.Lock()
	rt.baseCtx = ctx
	rt.mu.Unlock()
}

// Self 返回本节点 ID
func (rt *RoutingTable) Self() types.NodeID {
	return rt.self
}

// BucketIndex 返回 id 所属桶，id 为自身时返回 -1
func (rt *RoutingTable) BucketIndex(id types.NodeID) int {
	cpl := rt.self.CommonPrefixLen(id)
	if cpl >= NumBuckets {
		return -1
	}
	return cpl
}

// Insert 插入或更新节点
//
// 已存在的节点刷新地址和 LastSeen 并移到桶尾。桶满时优先替换 dead 节点，
// 否则在释放锁后探测最旧节点，探测失败则驱逐并插入新节点，
// 探测成功则丢弃新节点。调用方 ctx 已结束时直接丢弃新节点，不探测。
// 返回新节点是否在表中。
func (rt *RoutingTable) Insert(ctx context.Context, rec types.PeerRecord) bool {
	idx := rt.BucketIndex(rec.ID)
	if idx < 0 {
		return false
	}

	now := rt.clock.Now()
	rt.mu.Lock()
	b := rt.buckets[idx]

	if i := b.find(rec.ID); i >= 0 {
		markAlive(b.peers[i], rec.Addrs, now)
		b.touch(i)
		rt.mu.Unlock()
		return true
	}

	entry := &types.PeerRecord{
		ID:       rec.ID,
		Addrs:    types.MergeAddrs(rec.Addrs, nil),
		LastSeen: now,
		State:    types.LivenessAlive,
	}

	if len(b.peers) < rt.k {
		b.peers = append(b.peers, entry)
		rt.mu.Unlock()
		log.Debug("节点加入路由表", "peer", rec.ID.ShortString(), "bucket", idx)
		return true
	}

	for i, p := range b.peers {
		if p.State == types.LivenessDead {
			log.Debug("替换 dead 节点", "old", p.ID.ShortString(), "new", rec.ID.ShortString(), "bucket", idx)
			b.remove(i)
			b.peers = append(b.peers, entry)
			rt.mu.Unlock()
			return true
		}
	}

	if b.probing || rt.prober == nil || ctx.Err() != nil {
		rt.mu.Unlock()
		return false
	}
	oldest := *b.peers[0]
	oldest.Addrs = append([]string(nil), oldest.Addrs...)
	b.probing = true
	prober := rt.prober
	base := rt.baseCtx
	rt.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(base, rt.probeTimeout())
	err := prober.Probe(probeCtx, oldest)
	cancel()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b.probing = false

	// 路由表已关闭，探测结果不可信
	if base.Err() != nil {
		return false
	}

	if err == nil {
		if i := b.find(oldest.ID); i >= 0 {
			markAlive(b.peers[i], nil, rt.clock.Now())
			b.touch(i)
		}
		log.Debug("桶已满，保留在线的旧节点", "bucket", idx, "dropped", rec.ID.ShortString())
		return false
	}

	if i := b.find(oldest.ID); i >= 0 {
		b.remove(i)
	}
	if b.find(entry.ID) < 0 && len(b.peers) < rt.k {
		b.peers = append(b.peers, entry)
		log.Debug("驱逐无响应节点", "evicted", oldest.ID.ShortString(), "new", rec.ID.ShortString(), "bucket", idx)
		return true
	}
	return false
}

func (rt *RoutingTable) probeTimeout() time.Duration {
	if rt.cfg.QueryTimeout > 0 {
		return rt.cfg.QueryTimeout
	}
	return defaultProbeTimeout
}

// Restore 恢复持久化的节点记录
//
// 恢复的记录为 stale 状态，仅填充空位，不触发探测。
func (rt *RoutingTable) Restore(recs []types.PeerRecord) int {
	sorted := append([]types.PeerRecord(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastSeen.Before(sorted[j].LastSeen)
	})

	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := 0
	for _, rec := range sorted {
		idx := rt.BucketIndex(rec.ID)
		if idx < 0 || len(rec.Addrs) == 0 {
			continue
		}
		b := rt.buckets[idx]
		if b.find(rec.ID) >= 0 || len(b.peers) >= rt.k {
			continue
		}
		b.peers = append(b.peers, &types.PeerRecord{
			ID:       rec.ID,
			Addrs:    append([]string(nil), rec.Addrs...),
			LastSeen: rec.LastSeen,
			State:    types.LivenessStale,
		})
		n++
	}
	return n
}

// Remove 移除节点
func (rt *RoutingTable) Remove(id types.NodeID) bool {
	idx := rt.BucketIndex(id)
	if idx < 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	if i := b.find(id); i >= 0 {
		b.remove(i)
		return true
	}
	return false
}

// Get 返回节点记录副本
func (rt *RoutingTable) Get(id types.NodeID) (types.PeerRecord, bool) {
	idx := rt.BucketIndex(id)
	if idx < 0 {
		return types.PeerRecord{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	if i := b.find(id); i >= 0 {
		return copyRecord(b.peers[i]), true
	}
	return types.PeerRecord{}, false
}

// ClosestTo 返回与 target XOR 距离最小的 n 个非 dead 节点
//
// 距离相同时最近见到的优先。使用容量为 n 的最大堆，内存与表大小无关。
func (rt *RoutingTable) ClosestTo(target types.NodeID, n int) []types.PeerRecord {
	if n <= 0 {
		return nil
	}

	rt.mu.Lock()
	h := &farthestFirst{target: target, items: make([]*types.PeerRecord, 0, n)}
	for _, b := range rt.buckets {
		for _, p := range b.peers {
			if p.State == types.LivenessDead {
				continue
			}
			if h.Len() < n {
				heap.Push(h, p)
				continue
			}
			if closer(target, p, h.items[0]) {
				h.items[0] = p
				heap.Fix(h, 0)
			}
		}
	}
	out := make([]types.PeerRecord, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = copyRecord(heap.Pop(h).(*types.PeerRecord))
	}
	rt.mu.Unlock()
	return out
}

// MarkDead 将节点标记为 dead
//
// 记录保留 DeadGrace 时长后由 Sweep 清除，期间不参与 ClosestTo，
// 桶满时可被直接替换。
func (rt *RoutingTable) MarkDead(id types.NodeID) bool {
	idx := rt.BucketIndex(id)
	if idx < 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	i := b.find(id)
	if i < 0 {
		return false
	}
	p := b.peers[i]
	if p.State != types.LivenessDead {
		p.State = types.LivenessDead
		p.DeadSince = rt.clock.Now()
		log.Debug("节点标记为 dead", "peer", id.ShortString())
	}
	return true
}

// RecordFailure 记录一次交互失败，返回节点是否已判定为 dead
func (rt *RoutingTable) RecordFailure(id types.NodeID) bool {
	idx := rt.BucketIndex(id)
	if idx < 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	i := b.find(id)
	if i < 0 {
		return false
	}
	p := b.peers[i]
	if p.State == types.LivenessDead {
		return true
	}
	p.Failures++
	p.State = types.LivenessStale
	if rt.cfg.MaxFailures > 0 && p.Failures >= rt.cfg.MaxFailures {
		p.State = types.LivenessDead
		p.DeadSince = rt.clock.Now()
		log.Debug("连续失败，节点标记为 dead", "peer", id.ShortString(), "failures", p.Failures)
		return true
	}
	return false
}

// RecordSuccess 记录一次成功交互
func (rt *RoutingTable) RecordSuccess(id types.NodeID) bool {
	idx := rt.BucketIndex(id)
	if idx < 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	i := b.find(id)
	if i < 0 {
		return false
	}
	markAlive(b.peers[i], nil, rt.clock.Now())
	b.touch(i)
	return true
}

// Sweep 清除超过宽限期的 dead 节点，并将长期未见的节点降级为 stale
//
// 返回清除的节点数。
func (rt *RoutingTable) Sweep() int {
	now := rt.clock.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for _, b := range rt.buckets {
		kept := b.peers[:0]
		for _, p := range b.peers {
			if p.State == types.LivenessDead && now.Sub(p.DeadSince) >= rt.cfg.DeadGrace {
				removed++
				continue
			}
			if p.State == types.LivenessAlive && rt.cfg.StaleAfter > 0 && now.Sub(p.LastSeen) > rt.cfg.StaleAfter {
				p.State = types.LivenessStale
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(b.peers); i++ {
			b.peers[i] = nil
		}
		b.peers = kept
	}
	return removed
}

// Size 返回非 dead 节点数
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := 0
	for _, b := range rt.buckets {
		for _, p := range b.peers {
			if p.State != types.LivenessDead {
				n++
			}
		}
	}
	return n
}

// Peers 返回所有非 dead 节点的快照
func (rt *RoutingTable) Peers() []types.PeerRecord {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []types.PeerRecord
	for _, b := range rt.buckets {
		for _, p := range b.peers {
			if p.State != types.LivenessDead {
				out = append(out, copyRecord(p))
			}
		}
	}
	return out
}

// BucketPeers 返回第 i 个桶的记录（含 dead），最久未见的在前
func (rt *RoutingTable) BucketPeers(i int) []types.PeerRecord {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[i]
	out := make([]types.PeerRecord, len(b.peers))
	for j, p := range b.peers {
		out[j] = copyRecord(p)
	}
	return out
}

// StaleBuckets 返回超过 maxAge 未刷新的桶
//
// 只考虑到最深非空桶的下一个桶为止，更深的桶几乎不可能有节点。
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	now := rt.clock.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	deepest := -1
	for i := NumBuckets - 1; i >= 0; i-- {
		if len(rt.buckets[i].peers) > 0 {
			deepest = i
			break
		}
	}
	if deepest < 0 {
		return nil
	}
	limit := deepest + 1
	if limit >= NumBuckets {
		limit = NumBuckets - 1
	}

	var out []int
	for i := 0; i <= limit; i++ {
		if now.Sub(rt.buckets[i].lastRefresh) >= maxAge {
			out = append(out, i)
		}
	}
	return out
}

// MarkRefreshed 记录桶 i 已刷新
func (rt *RoutingTable) MarkRefreshed(i int) {
	if i < 0 || i >= NumBuckets {
		return
	}
	now := rt.clock.Now()
	rt.mu.Lock()
	rt.buckets[i].lastRefresh = now
	rt.mu.Unlock()
}

// RandomIDInBucket 返回落入桶 i 的随机 ID
func (rt *RoutingTable) RandomIDInBucket(i int) types.NodeID {
	return RandomIDInBucket(rt.self, i)
}

// ============================================================================
//                              内部
// ============================================================================

func markAlive(p *types.PeerRecord, addrs []string, now time.Time) {
	if len(addrs) > 0 {
		p.Addrs = types.MergeAddrs(addrs, p.Addrs)
	}
	p.LastSeen = now
	p.State = types.LivenessAlive
	p.Failures = 0
	p.DeadSince = time.Time{}
}

func copyRecord(p *types.PeerRecord) types.PeerRecord {
	rec := *p
	rec.Addrs = append([]string(nil), p.Addrs...)
	return rec
}

// closer 判断 a 是否比 b 更接近 target，距离相同时最近见到的更近
func closer(target types.NodeID, a, b *types.PeerRecord) bool {
	switch CompareDistance(target, a.ID, b.ID) {
	case -1:
		return true
	case 1:
		return false
	}
	return a.LastSeen.After(b.LastSeen)
}

// farthestFirst 以最远节点为堆顶的最大堆
type farthestFirst struct {
	target types.NodeID
	items  []*types.PeerRecord
}

func (h *farthestFirst) Len() int { return len(h.items) }
func (h *farthestFirst) Less(i, j int) bool {
	return closer(h.target, h.items[j], h.items[i])
}
func (h *farthestFirst) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *farthestFirst) Push(x any)    { h.items = append(h.items, x.(*types.PeerRecord)) }
func (h *farthestFirst) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
