package gossipsub

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              消息缓存
// ============================================================================

// MessageCache 消息历史缓存
//
// 每个心跳周期一个窗口，用于响应 IWANT 和生成 IHAVE。
type MessageCache struct {
	mu sync.RWMutex

	// history 历史窗口，history[0] 为当前窗口
	history [][]types.MessageID

	// msgs 消息 ID 到消息的映射
	msgs map[types.MessageID]*types.Envelope

	// gossipWindow IHAVE 覆盖的窗口数
	gossipWindow int
}

// NewMessageCache 创建消息缓存
func NewMessageCache(windowSize, gossipWindow int) *MessageCache {
	if windowSize <= 0 {
		windowSize = 5
	}
	if gossipWindow <= 0 || gossipWindow > windowSize {
		gossipWindow = windowSize
	}
	return &MessageCache{
		history:      make([][]types.MessageID, windowSize),
		msgs:         make(map[types.MessageID]*types.Envelope),
		gossipWindow: gossipWindow,
	}
}

// Put 添加消息到当前窗口
func (mc *MessageCache) Put(msg *types.Envelope) {
	id := msg.ID()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.msgs[id]; exists {
		return
	}
	mc.msgs[id] = msg
	mc.history[0] = append(mc.history[0], id)
}

// Get 获取消息
func (mc *MessageCache) Get(id types.MessageID) (*types.Envelope, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	msg, ok := mc.msgs[id]
	return msg, ok
}

// GossipIDs 返回最近 gossipWindow 个窗口内指定主题的消息 ID，新消息在前
func (mc *MessageCache) GossipIDs(topic string) []types.MessageID {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var ids []types.MessageID
	for i := 0; i < mc.gossipWindow; i++ {
		window := mc.history[i]
		for j := len(window) - 1; j >= 0; j-- {
			if msg := mc.msgs[window[j]]; msg != nil && msg.Topic == topic {
				ids = append(ids, window[j])
			}
		}
	}
	return ids
}

// Shift 移动到下一个窗口，最老窗口的消息被丢弃
func (mc *MessageCache) Shift() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	last := len(mc.history) - 1
	for _, id := range mc.history[last] {
		delete(mc.msgs, id)
	}
	copy(mc.history[1:], mc.history[:last])
	mc.history[0] = nil
}

// Size 返回缓存的消息数
func (mc *MessageCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.msgs)
}

// ============================================================================
//                              已见消息缓存
// ============================================================================

// SeenCache 已见消息缓存（去重）
//
// 条目在 TTL 后过期，容量满时淘汰最早插入的条目。
type SeenCache struct {
	mu    sync.Mutex
	cache *lru.Cache[types.MessageID, time.Time]
	ttl   time.Duration
	clock clock.Clock
}

// NewSeenCache 创建已见消息缓存
func NewSeenCache(ttl time.Duration, size int, clk clock.Clock) (*SeenCache, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if size <= 0 {
		size = 100_000
	}
	c, err := lru.New[types.MessageID, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &SeenCache{cache: c, ttl: ttl, clock: clk}, nil
}

// Add 检查并插入，已见且未过期时返回 false
func (sc *SeenCache) Add(id types.MessageID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.clock.Now()
	if at, ok := sc.cache.Peek(id); ok && now.Sub(at) < sc.ttl {
		return false
	}
	sc.cache.Add(id, now)
	return true
}

// Has 检查是否已见
func (sc *SeenCache) Has(id types.MessageID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	at, ok := sc.cache.Peek(id)
	return ok && sc.clock.Now().Sub(at) < sc.ttl
}

// Sweep 清理过期条目，返回清理数量
func (sc *SeenCache) Sweep() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.clock.Now()
	removed := 0
	// Keys 按插入先后返回
	for _, id := range sc.cache.Keys() {
		at, ok := sc.cache.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(at) < sc.ttl {
			break
		}
		sc.cache.Remove(id)
		removed++
	}
	return removed
}

// Size 返回缓存大小
func (sc *SeenCache) Size() int {
	return sc.cache.Len()
}
