package gossipsub

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand" //nolint:gosec // G404: 使用 crypto/rand 初始化种子，仅用于非安全的 mesh 随机选择
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

// TopicState 本地主题状态
type TopicState int

const (
	// TopicUnsubscribed 未订阅
	TopicUnsubscribed TopicState = iota
	// TopicSubscribedNoMesh 已订阅但网格为空
	TopicSubscribedNoMesh
	// TopicMeshed 已订阅且网格非空
	TopicMeshed
)

// String 返回状态名称
func (s TopicState) String() string {
	switch s {
	case TopicUnsubscribed:
		return "unsubscribed"
	case TopicSubscribedNoMesh:
		return "subscribed-no-mesh"
	case TopicMeshed:
		return "meshed"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              Mesh 管理器
// ============================================================================

// MeshManager 主题网格管理
//
// mesh: 已订阅主题的推送对象；fanout: 未订阅主题发布时的临时对象。
// 网格只由心跳和 GRAFT/PRUNE 事件修改。
type MeshManager struct {
	mu sync.RWMutex

	cfg   config.GossipConfig
	clock clock.Clock

	// topics 已订阅主题
	topics map[string]*topicMesh

	// fanout 未订阅主题的 fanout peers
	fanout        map[string]map[types.NodeID]struct{}
	fanoutLastPub map[string]time.Time

	// peers 已连接 peers 及其通告的订阅
	peers map[types.NodeID]map[string]struct{}

	// backoffs PRUNE 退避截止时间
	backoffs map[backoffKey]time.Time

	rand *rand.Rand
}

type topicMesh struct {
	mesh map[types.NodeID]struct{}

	// contrib 近期首次送达的消息数，每个心跳减半
	contrib map[types.NodeID]float64

	// preferred 订阅前的 fanout peers，优先 GRAFT
	preferred map[types.NodeID]struct{}
}

type backoffKey struct {
	peer  types.NodeID
	topic string
}

// NewMeshManager 创建 Mesh 管理器
func NewMeshManager(cfg config.GossipConfig, clk clock.Clock) *MeshManager {
	return &MeshManager{
		cfg:           cfg,
		clock:         clk,
		topics:        make(map[string]*topicMesh),
		fanout:        make(map[string]map[types.NodeID]struct{}),
		fanoutLastPub: make(map[string]time.Time),
		peers:         make(map[types.NodeID]map[string]struct{}),
		backoffs:      make(map[backoffKey]time.Time),
		rand:          rand.New(rand.NewSource(cryptoSeed())),
	}
}

// cryptoSeed 生成加密安全的随机种子
func cryptoSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// ============================================================================
//                              主题管理
// ============================================================================

// Join 订阅主题，进入 subscribed-no-mesh
//
// 不发送 GRAFT，由下一次心跳补足网格。已订阅时返回 false。
func (mm *MeshManager) Join(topic string) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, ok := mm.topics[topic]; ok {
		return false
	}
	tm := &topicMesh{
		mesh:      make(map[types.NodeID]struct{}),
		contrib:   make(map[types.NodeID]float64),
		preferred: make(map[types.NodeID]struct{}),
	}
	for p := range mm.fanout[topic] {
		tm.preferred[p] = struct{}{}
	}
	delete(mm.fanout, topic)
	delete(mm.fanoutLastPub, topic)

	mm.topics[topic] = tm
	return true
}

// Leave 取消订阅，返回需要 PRUNE 的网格成员
func (mm *MeshManager) Leave(topic string) []types.NodeID {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	tm, ok := mm.topics[topic]
	if !ok {
		return nil
	}
	delete(mm.topics, topic)
	return keys(tm.mesh)
}

// IsSubscribed 检查是否订阅主题
func (mm *MeshManager) IsSubscribed(topic string) bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	_, ok := mm.topics[topic]
	return ok
}

// TopicState 返回主题状态
func (mm *MeshManager) TopicState(topic string) TopicState {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	tm, ok := mm.topics[topic]
	switch {
	case !ok:
		return TopicUnsubscribed
	case len(tm.mesh) == 0:
		return TopicSubscribedNoMesh
	default:
		return TopicMeshed
	}
}

// Topics 返回已订阅主题
func (mm *MeshManager) Topics() []string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	topics := make([]string, 0, len(mm.topics))
	for t := range mm.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// ============================================================================
//                              Peer 管理
// ============================================================================

// AddPeer 记录已连接 peer
func (mm *MeshManager) AddPeer(peer types.NodeID) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.peers[peer]; !ok {
		mm.peers[peer] = make(map[string]struct{})
	}
}

// HasPeer 检查 peer 是否已连接
func (mm *MeshManager) HasPeer(peer types.NodeID) bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	_, ok := mm.peers[peer]
	return ok
}

// RemovePeer 从所有网格和 fanout 中移除 peer，返回它所在网格的主题
func (mm *MeshManager) RemovePeer(peer types.NodeID) []string {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	delete(mm.peers, peer)

	var topics []string
	for topic, tm := range mm.topics {
		if _, ok := tm.mesh[peer]; ok {
			topics = append(topics, topic)
		}
		delete(tm.mesh, peer)
		delete(tm.contrib, peer)
		delete(tm.preferred, peer)
	}
	for _, fp := range mm.fanout {
		delete(fp, peer)
	}
	return topics
}

// SetPeerTopic 更新 peer 通告的订阅
//
// 取消订阅时同时移出网格。
func (mm *MeshManager) SetPeerTopic(peer types.NodeID, topic string, subscribed bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	pt, ok := mm.peers[peer]
	if !ok {
		return
	}
	if subscribed {
		pt[topic] = struct{}{}
		return
	}

	delete(pt, topic)
	if tm, ok := mm.topics[topic]; ok {
		delete(tm.mesh, peer)
		delete(tm.contrib, peer)
	}
	if fp, ok := mm.fanout[topic]; ok {
		delete(fp, peer)
	}
}

// PeersInTopic 返回通告订阅了主题的已连接 peers
func (mm *MeshManager) PeersInTopic(topic string) []types.NodeID {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	var peers []types.NodeID
	for p, pt := range mm.peers {
		if _, ok := pt[topic]; ok {
			peers = append(peers, p)
		}
	}
	return peers
}

// ============================================================================
//                              Mesh 操作
// ============================================================================

// Graft 处理入站 GRAFT，接受时返回 true
//
// 要求本地已订阅、peer 已连接且不在退避期。GRAFT 隐含对方订阅了主题。
func (mm *MeshManager) Graft(peer types.NodeID, topic string) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	tm, ok := mm.topics[topic]
	if !ok {
		return false
	}
	pt, ok := mm.peers[peer]
	if !ok {
		return false
	}
	if mm.backedOff(peer, topic) {
		return false
	}

	pt[topic] = struct{}{}
	tm.mesh[peer] = struct{}{}
	return true
}

// Prune 将 peer 移出网格并设置退避
func (mm *MeshManager) Prune(peer types.NodeID, topic string, backoff time.Duration) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if tm, ok := mm.topics[topic]; ok {
		delete(tm.mesh, peer)
		delete(tm.contrib, peer)
	}
	if backoff > 0 {
		mm.backoffs[backoffKey{peer, topic}] = mm.clock.Now().Add(backoff)
	}
}

// AddContribution 记录 peer 在主题上首次送达一条消息
func (mm *MeshManager) AddContribution(peer types.NodeID, topic string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if tm, ok := mm.topics[topic]; ok {
		if _, inMesh := tm.mesh[peer]; inMesh {
			tm.contrib[peer]++
		}
	}
}

// Contribution 返回 peer 在主题上的贡献值
func (mm *MeshManager) Contribution(peer types.NodeID, topic string) float64 {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	if tm, ok := mm.topics[topic]; ok {
		return tm.contrib[peer]
	}
	return 0
}

// MeshPeers 返回主题的网格成员
func (mm *MeshManager) MeshPeers(topic string) []types.NodeID {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	tm, ok := mm.topics[topic]
	if !ok {
		return nil
	}
	return keys(tm.mesh)
}

// AllMeshPeers 返回所有主题网格成员的并集
func (mm *MeshManager) AllMeshPeers() []types.NodeID {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	set := make(map[types.NodeID]struct{})
	for _, tm := range mm.topics {
		for p := range tm.mesh {
			set[p] = struct{}{}
		}
	}
	return keys(set)
}

// IsPeerInMesh 检查 peer 是否在主题网格中
func (mm *MeshManager) IsPeerInMesh(peer types.NodeID, topic string) bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	tm, ok := mm.topics[topic]
	if !ok {
		return false
	}
	_, in := tm.mesh[peer]
	return in
}

// ============================================================================
//                              Fanout 操作
// ============================================================================

// FanoutPeers 返回未订阅主题的 fanout peers，不足 D 时从主题 peers 补充
func (mm *MeshManager) FanoutPeers(topic string) []types.NodeID {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	fp, ok := mm.fanout[topic]
	if !ok {
		fp = make(map[types.NodeID]struct{})
		mm.fanout[topic] = fp
	}
	if need := mm.cfg.D - len(fp); need > 0 {
		var candidates []types.NodeID
		for p, pt := range mm.peers {
			if _, subscribed := pt[topic]; !subscribed {
				continue
			}
			if _, in := fp[p]; !in {
				candidates = append(candidates, p)
			}
		}
		for _, p := range mm.selectRandomPeers(candidates, need) {
			fp[p] = struct{}{}
		}
	}
	mm.fanoutLastPub[topic] = mm.clock.Now()
	return keys(fp)
}

// PublishPeers 返回本地发布的推送对象
//
// 已订阅时为网格成员；网格尚空时随机取 D 个主题 peers；未订阅时为 fanout。
func (mm *MeshManager) PublishPeers(topic string) []types.NodeID {
	mm.mu.Lock()
	tm, subscribed := mm.topics[topic]
	if !subscribed {
		mm.mu.Unlock()
		return mm.FanoutPeers(topic)
	}
	defer mm.mu.Unlock()

	if len(tm.mesh) > 0 {
		return keys(tm.mesh)
	}
	var candidates []types.NodeID
	for p, pt := range mm.peers {
		if _, ok := pt[topic]; ok {
			candidates = append(candidates, p)
		}
	}
	return mm.selectRandomPeers(candidates, mm.cfg.D)
}

// CleanupFanout 清理超过 FanoutTTL 未发布的 fanout
func (mm *MeshManager) CleanupFanout() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	now := mm.clock.Now()
	for topic, last := range mm.fanoutLastPub {
		if now.Sub(last) > mm.cfg.FanoutTTL {
			delete(mm.fanout, topic)
			delete(mm.fanoutLastPub, topic)
		}
	}
}

// ============================================================================
//                              心跳维护
// ============================================================================

// MaintenanceResult 一次心跳维护的结果
type MaintenanceResult struct {
	// Grafts 需要发送 GRAFT 的 peers
	Grafts map[string][]types.NodeID

	// Prunes 需要发送 PRUNE 的 peers
	Prunes map[string][]types.NodeID

	// Shortfall 候选不足时距 Dlo 的缺口
	Shortfall map[string]int
}

// HeartbeatMaintenance 心跳维护
//
// 低于 Dlo 时补足到 D，高于 Dhi 时按贡献值裁剪到 D，随后贡献值减半。
func (mm *MeshManager) HeartbeatMaintenance() MaintenanceResult {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	res := MaintenanceResult{
		Grafts:    make(map[string][]types.NodeID),
		Prunes:    make(map[string][]types.NodeID),
		Shortfall: make(map[string]int),
	}
	now := mm.clock.Now()

	for topic, tm := range mm.topics {
		size := len(tm.mesh)

		if size < mm.cfg.Dlo {
			toGraft := mm.selectPeersToGraft(topic, tm, mm.cfg.D-size)
			for _, p := range toGraft {
				tm.mesh[p] = struct{}{}
				delete(tm.preferred, p)
			}
			if len(toGraft) > 0 {
				res.Grafts[topic] = toGraft
			}
			if missing := mm.cfg.Dlo - size - len(toGraft); missing > 0 {
				res.Shortfall[topic] = missing
			}
		}

		if size > mm.cfg.Dhi {
			toPrune := mm.selectPeersToPrune(tm, size-mm.cfg.D)
			for _, p := range toPrune {
				delete(tm.mesh, p)
				delete(tm.contrib, p)
				mm.backoffs[backoffKey{p, topic}] = now.Add(mm.cfg.PruneBackoff)
			}
			if len(toPrune) > 0 {
				res.Prunes[topic] = toPrune
			}
		}

		for p, c := range tm.contrib {
			tm.contrib[p] = c / 2
		}
	}

	for k, until := range mm.backoffs {
		if now.After(until) {
			delete(mm.backoffs, k)
		}
	}
	return res
}

// selectPeersToGraft 选择 GRAFT 候选
//
// 候选是通告订阅了主题、不在网格且不在退避期的已连接 peers。
// 排序：订阅前的 fanout peers 优先，其次订阅主题数少者，同级随机。
func (mm *MeshManager) selectPeersToGraft(topic string, tm *topicMesh, count int) []types.NodeID {
	if count <= 0 {
		return nil
	}

	var candidates []types.NodeID
	for p, pt := range mm.peers {
		if _, subscribed := pt[topic]; !subscribed {
			continue
		}
		if _, in := tm.mesh[p]; in {
			continue
		}
		if mm.backedOff(p, topic) {
			continue
		}
		candidates = append(candidates, p)
	}

	mm.shuffle(candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		_, pi := tm.preferred[candidates[i]]
		_, pj := tm.preferred[candidates[j]]
		if pi != pj {
			return pi
		}
		return len(mm.peers[candidates[i]]) < len(mm.peers[candidates[j]])
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// selectPeersToPrune 选择贡献值最低的 count 个网格成员，同值随机
func (mm *MeshManager) selectPeersToPrune(tm *topicMesh, count int) []types.NodeID {
	if count <= 0 {
		return nil
	}

	candidates := keys(tm.mesh)
	mm.shuffle(candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		return tm.contrib[candidates[i]] < tm.contrib[candidates[j]]
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// SelectGossipPeers 选择 Dlazy 个不在网格中的主题 peers 作为 IHAVE 对象
func (mm *MeshManager) SelectGossipPeers(topic string) []types.NodeID {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	tm, ok := mm.topics[topic]
	if !ok {
		return nil
	}

	var candidates []types.NodeID
	for p, pt := range mm.peers {
		if _, subscribed := pt[topic]; !subscribed {
			continue
		}
		if _, in := tm.mesh[p]; in {
			continue
		}
		candidates = append(candidates, p)
	}
	return mm.selectRandomPeers(candidates, mm.cfg.Dlazy)
}

// ============================================================================
//                              辅助方法
// ============================================================================

func (mm *MeshManager) backedOff(peer types.NodeID, topic string) bool {
	until, ok := mm.backoffs[backoffKey{peer, topic}]
	return ok && mm.clock.Now().Before(until)
}

// shuffle Fisher-Yates 洗牌
func (mm *MeshManager) shuffle(peers []types.NodeID) {
	for i := len(peers) - 1; i > 0; i-- {
		j := mm.rand.Intn(i + 1)
		peers[i], peers[j] = peers[j], peers[i]
	}
}

// selectRandomPeers 随机选择最多 count 个 peers
func (mm *MeshManager) selectRandomPeers(peers []types.NodeID, count int) []types.NodeID {
	if len(peers) <= count {
		return peers
	}
	shuffled := append([]types.NodeID(nil), peers...)
	mm.shuffle(shuffled)
	return shuffled[:count]
}

func keys(m map[types.NodeID]struct{}) []types.NodeID {
	out := make([]types.NodeID, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	return out
}
