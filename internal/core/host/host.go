package host

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

var log = logger.Logger("host")

// maxAddrsPerPeer 每个节点保留的地址上限
const maxAddrsPerPeer = 8

// Notifiee 连接事件接收者
type Notifiee interface {
	// Connected 与 peer 的首个连接建立
	Connected(peer types.NodeID)

	// Disconnected 与 peer 的最后一个连接断开
	Disconnected(peer types.NodeID)
}

// Host 连接管理
type Host struct {
	sc interfaces.SecureChannel

	mu        sync.RWMutex
	conns     map[types.NodeID][]interfaces.Connection
	addrs     map[types.NodeID][]string
	notifiees []Notifiee
	closed    bool

	dials singleflight.Group
}

// New 创建 Host 并接管安全通道的入站连接
func New(sc interfaces.SecureChannel) *Host {
	h := &Host{
		sc:    sc,
		conns: make(map[types.NodeID][]interfaces.Connection),
		addrs: make(map[types.NodeID][]string),
	}
	sc.SetConnHandler(h.addConn)
	return h
}

// ID 返回本地节点 ID
func (h *Host) ID() types.NodeID {
	return h.sc.LocalID()
}

// Addrs 返回本地监听地址
func (h *Host) Addrs() []string {
	return h.sc.ListenAddrs()
}

// Notify 注册连接事件接收者
func (h *Host) Notify(n Notifiee) {
	h.mu.Lock()
	h.notifiees = append(h.notifiees, n)
	h.mu.Unlock()
}

// SetStreamHandler 注册协议处理器
func (h *Host) SetStreamHandler(protocol string, handler interfaces.StreamHandler) {
	h.sc.SetStreamHandler(protocol, handler)
}

// RemoveStreamHandler 移除协议处理器
func (h *Host) RemoveStreamHandler(protocol string) {
	h.sc.RemoveStreamHandler(protocol)
}

// Connect 连接到地址，返回对端 ID
//
// 同一地址的并发拨号合并为一次。
func (h *Host) Connect(ctx context.Context, addr string) (types.NodeID, error) {
	v, err, _ := h.dials.Do(addr, func() (any, error) {
		c, err := h.sc.Connect(ctx, addr)
		if err != nil {
			return nil, err
		}
		h.AddAddrs(c.RemoteID(), []string{addr})
		h.addConn(c)
		return c.RemoteID(), nil
	})
	if err != nil {
		return types.EmptyNodeID, err
	}
	return v.(types.NodeID), nil
}

// ConnectPeer 确保与 peer 存在连接
//
// 已有连接时直接返回，否则依次尝试地址簿和 hint 中的地址。
func (h *Host) ConnectPeer(ctx context.Context, info types.PeerInfo) error {
	if h.IsConnected(info.ID) {
		return nil
	}
	if info.ID == h.ID() {
		return fmt.Errorf("%w: dial self", types.ErrConnect)
	}

	h.AddAddrs(info.ID, info.Addrs)
	addrs := h.PeerAddrs(info.ID)
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no address for %s", types.ErrConnect, info.ID.ShortString())
	}

	var errs error
	for _, addr := range addrs {
		id, err := h.Connect(ctx, addr)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if id != info.ID {
			// 地址已被其他节点占用
			errs = multierr.Append(errs, fmt.Errorf("%w: %s answered as %s", types.ErrConnect, addr, id.ShortString()))
			h.removeAddr(info.ID, addr)
			continue
		}
		return nil
	}
	return errs
}

// NewStream 打开到 peer 的流，必要时先拨号
func (h *Host) NewStream(ctx context.Context, peer types.NodeID, protocol string) (interfaces.Stream, error) {
	c := h.connFor(peer)
	if c == nil {
		if err := h.ConnectPeer(ctx, types.PeerInfo{ID: peer}); err != nil {
			return nil, err
		}
		if c = h.connFor(peer); c == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrConnect, peer.ShortString())
		}
	}
	return c.OpenStream(ctx, protocol)
}

// AddAddrs 记录 peer 地址，新地址排在最前
func (h *Host) AddAddrs(peer types.NodeID, addrs []string) {
	if len(addrs) == 0 || peer == h.ID() {
		return
	}
	h.mu.Lock()
	merged := types.MergeAddrs(addrs, h.addrs[peer])
	if len(merged) > maxAddrsPerPeer {
		merged = merged[:maxAddrsPerPeer]
	}
	h.addrs[peer] = merged
	h.mu.Unlock()
}

// PeerAddrs 返回 peer 的已知地址
func (h *Host) PeerAddrs(peer types.NodeID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.addrs[peer]...)
}

// IsConnected 检查是否与 peer 存在连接
func (h *Host) IsConnected(peer types.NodeID) bool {
	return h.connFor(peer) != nil
}

// ConnectedPeers 返回已连接的节点
func (h *Host) ConnectedPeers() []types.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]types.NodeID, 0, len(h.conns))
	for id := range h.conns {
		peers = append(peers, id)
	}
	return peers
}

// ClosePeer 关闭与 peer 的所有连接
func (h *Host) ClosePeer(peer types.NodeID) error {
	h.mu.RLock()
	conns := append([]interfaces.Connection(nil), h.conns[peer]...)
	h.mu.RUnlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Close 关闭所有连接和安全通道
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var conns []interfaces.Connection
	for _, cs := range h.conns {
		conns = append(conns, cs...)
	}
	h.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, h.sc.Close())
}

// ============================================================================
//                              内部
// ============================================================================

func (h *Host) connFor(peer types.NodeID) interfaces.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns[peer] {
		if !c.IsClosed() {
			return c
		}
	}
	return nil
}

func (h *Host) addConn(c interfaces.Connection) {
	peer := c.RemoteID()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return
	}
	for _, existing := range h.conns[peer] {
		if existing == c {
			h.mu.Unlock()
			return
		}
	}
	first := len(h.conns[peer]) == 0
	h.conns[peer] = append(h.conns[peer], c)
	notifiees := append([]Notifiee(nil), h.notifiees...)
	h.mu.Unlock()

	go func() {
		<-c.Done()
		h.removeConn(c)
	}()

	if first {
		log.Debug("节点已连接", "peer", peer.ShortString())
		for _, n := range notifiees {
			n.Connected(peer)
		}
	}
}

func (h *Host) removeConn(c interfaces.Connection) {
	peer := c.RemoteID()

	h.mu.Lock()
	conns := h.conns[peer]
	found := false
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i:i], conns[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		h.mu.Unlock()
		return
	}
	last := len(conns) == 0
	if last {
		delete(h.conns, peer)
	} else {
		h.conns[peer] = conns
	}
	notifiees := append([]Notifiee(nil), h.notifiees...)
	h.mu.Unlock()

	if last {
		log.Debug("节点已断开", "peer", peer.ShortString())
		for _, n := range notifiees {
			n.Disconnected(peer)
		}
	}
}

func (h *Host) removeAddr(peer types.NodeID, addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	addrs := h.addrs[peer]
	for i, a := range addrs {
		if a == addr {
			h.addrs[peer] = append(addrs[:i:i], addrs[i+1:]...)
			return
		}
	}
}
