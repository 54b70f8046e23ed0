// Package memnet 提供内存中的 SecureChannel 实现
//
// 用于多节点测试：节点通过共享的 Network 互相连接，
// 身份由创建时指定，不做真实握手。地址格式为 "mem/<n>"。
package memnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

// streamBuffer 每个方向缓冲的帧数
const streamBuffer = 1024

// Network 内存网络
type Network struct {
	mu          sync.Mutex
	nodes       map[string]*Transport
	unreachable map[string]bool
	next        int
}

// NewNetwork 创建内存网络
func NewNetwork() *Network {
	return &Network{
		nodes:       make(map[string]*Transport),
		unreachable: make(map[string]bool),
	}
}

// NewTransport 为节点创建传输并分配地址
func (n *Network) NewTransport(id types.NodeID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	t := &Transport{
		network:  n,
		id:       id,
		addr:     fmt.Sprintf("mem/%d", n.next),
		handlers: make(map[string]interfaces.StreamHandler),
		conns:    make(map[*Conn]struct{}),
	}
	n.nodes[t.addr] = t
	return t
}

// SetUnreachable 设置地址不可达
//
// 不可达地址拒绝新连接，并断开其现有连接。
func (n *Network) SetUnreachable(addr string, unreachable bool) {
	n.mu.Lock()
	n.unreachable[addr] = unreachable
	t := n.nodes[addr]
	n.mu.Unlock()

	if unreachable && t != nil {
		t.closeConns()
	}
}

func (n *Network) lookup(addr string) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unreachable[addr] {
		return nil, false
	}
	t, ok := n.nodes[addr]
	return t, ok
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	delete(n.nodes, addr)
	n.mu.Unlock()
}

// ============================================================================
//                              Transport
// ============================================================================

// Transport 内存安全通道
type Transport struct {
	network *Network
	id      types.NodeID
	addr    string

	mu          sync.RWMutex
	handlers    map[string]interfaces.StreamHandler
	connHandler interfaces.ConnHandler
	conns       map[*Conn]struct{}
	closed      bool
}

var _ interfaces.SecureChannel = (*Transport)(nil)

// LocalID 返回本地节点 ID
func (t *Transport) LocalID() types.NodeID { return t.id }

// ListenAddrs 返回本地地址
func (t *Transport) ListenAddrs() []string { return []string{t.addr} }

// Connect 连接到指定地址
func (t *Transport) Connect(ctx context.Context, addr string) (interfaces.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConnect, err)
	}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: transport closed", types.ErrConnect)
	}

	remote, ok := t.network.lookup(addr)
	if !ok || remote == t {
		return nil, fmt.Errorf("%w: %s unreachable", types.ErrConnect, addr)
	}

	local := &Conn{owner: t, remoteID: remote.id, remoteAddr: remote.addr, done: make(chan struct{})}
	peer := &Conn{owner: remote, remoteID: t.id, remoteAddr: t.addr, done: make(chan struct{})}
	local.peer, peer.peer = peer, local

	if !remote.track(peer) {
		return nil, fmt.Errorf("%w: %s closed", types.ErrConnect, addr)
	}
	if !t.track(local) {
		peer.Close()
		return nil, fmt.Errorf("%w: transport closed", types.ErrConnect)
	}

	remote.mu.RLock()
	h := remote.connHandler
	remote.mu.RUnlock()
	if h != nil {
		h(peer)
	}
	return local, nil
}

// SetStreamHandler 注册入站流处理器
func (t *Transport) SetStreamHandler(protocol string, handler interfaces.StreamHandler) {
	t.mu.Lock()
	t.handlers[protocol] = handler
	t.mu.Unlock()
}

// RemoveStreamHandler 移除入站流处理器
func (t *Transport) RemoveStreamHandler(protocol string) {
	t.mu.Lock()
	delete(t.handlers, protocol)
	t.mu.Unlock()
}

// SetConnHandler 注册入站连接回调
func (t *Transport) SetConnHandler(handler interfaces.ConnHandler) {
	t.mu.Lock()
	t.connHandler = handler
	t.mu.Unlock()
}

// Close 关闭传输及所有连接
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.remove(t.addr)
	t.closeConns()
	return nil
}

func (t *Transport) closeConns() {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func (t *Transport) track(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Transport) untrack(c *Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *Transport) handler(protocol string) interfaces.StreamHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[protocol]
}

// ============================================================================
//                              Conn
// ============================================================================

// Conn 内存连接
type Conn struct {
	owner      *Transport
	peer       *Conn
	remoteID   types.NodeID
	remoteAddr string

	done      chan struct{}
	closeOnce sync.Once
}

var _ interfaces.Connection = (*Conn)(nil)

// RemoteID 返回对端 ID
func (c *Conn) RemoteID() types.NodeID { return c.remoteID }

// RemoteAddr 返回对端地址
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Done 连接关闭时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// IsClosed 检查连接是否已关闭
func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// OpenStream 打开新流，对端处理器在独立 goroutine 中运行
func (c *Conn) OpenStream(ctx context.Context, protocol string) (interfaces.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.IsClosed() {
		return nil, types.ErrConnectionClosed
	}

	h := c.peer.owner.handler(protocol)
	if h == nil {
		return nil, fmt.Errorf("%w: protocol %s not supported", types.ErrConnectionClosed, protocol)
	}

	ab := make(chan []byte, streamBuffer)
	ba := make(chan []byte, streamBuffer)
	local := newStream(c, protocol, ba, ab)
	remote := newStream(c.peer, protocol, ab, ba)
	local.peer, remote.peer = remote, local

	go h(remote)
	return local, nil
}

// Close 关闭连接（两端同时关闭）
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.owner.untrack(c)
		if c.peer != nil {
			c.peer.Close()
		}
	})
	return nil
}

// ============================================================================
//                              Stream
// ============================================================================

type stream struct {
	conn     *Conn
	peer     *stream
	protocol string

	in  <-chan []byte
	out chan<- []byte

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newStream(c *Conn, protocol string, in <-chan []byte, out chan<- []byte) *stream {
	return &stream{conn: c, protocol: protocol, in: in, out: out, closed: make(chan struct{})}
}

func (s *stream) Send(frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case <-s.closed:
		return types.ErrConnectionClosed
	case <-s.peer.closed:
		return types.ErrConnectionClosed
	case <-s.conn.done:
		return types.ErrConnectionClosed
	default:
	}

	select {
	case s.out <- buf:
		return nil
	case <-s.closed:
	case <-s.peer.closed:
	case <-s.conn.done:
	}
	return types.ErrConnectionClosed
}

func (s *stream) Receive() ([]byte, error) {
	// 优先取走已缓冲的帧
	select {
	case f := <-s.in:
		return f, nil
	default:
	}

	var timeout <-chan time.Time
	s.mu.Lock()
	if !s.deadline.IsZero() {
		timer := time.NewTimer(time.Until(s.deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	s.mu.Unlock()

	select {
	case f := <-s.in:
		return f, nil
	case <-s.closed:
	case <-s.peer.closed:
		select {
		case f := <-s.in:
			return f, nil
		default:
		}
	case <-s.conn.done:
	case <-timeout:
		return nil, context.DeadlineExceeded
	}
	return nil, types.ErrConnectionClosed
}

func (s *stream) Protocol() string {
	return s.protocol
}

func (s *stream) Conn() interfaces.Connection {
	return s.conn
}

func (s *stream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
