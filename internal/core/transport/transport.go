package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/multierr"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

var log = logger.Logger("transport")

// Transport TCP + Noise + yamux 安全通道
type Transport struct {
	id  *identity.Identity
	cfg config.TransportConfig

	mu          sync.RWMutex
	listeners   []net.Listener
	handlers    map[string]interfaces.StreamHandler
	connHandler interfaces.ConnHandler
	conns       map[*conn]struct{}
	closed      bool

	wg sync.WaitGroup
}

var _ interfaces.SecureChannel = (*Transport)(nil)

// New 创建传输
func New(id *identity.Identity, cfg config.TransportConfig) *Transport {
	return &Transport{
		id:       id,
		cfg:      cfg,
		handlers: make(map[string]interfaces.StreamHandler),
		conns:    make(map[*conn]struct{}),
	}
}

// Listen 在指定地址上监听
func (t *Transport) Listen(addrs []string) error {
	for _, addr := range addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("监听 %s 失败: %w", addr, err)
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			l.Close()
			return types.ErrConnectionClosed
		}
		t.listeners = append(t.listeners, l)
		t.mu.Unlock()

		log.Info("开始监听", "addr", l.Addr().String())

		t.wg.Add(1)
		go t.acceptLoop(l)
	}
	return nil
}

// LocalID 返回本地节点 ID
func (t *Transport) LocalID() types.NodeID {
	return t.id.ID()
}

// ListenAddrs 返回监听地址
func (t *Transport) ListenAddrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	addrs := make([]string, 0, len(t.listeners))
	for _, l := range t.listeners {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Connect 拨号并完成握手
func (t *Transport) Connect(ctx context.Context, addr string) (interfaces.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrConnect, addr, err)
	}

	c, err := t.upgrade(ctx, raw, true)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %s: %v", types.ErrConnect, addr, err)
	}

	log.Debug("已建立出站连接", "peer", c.remote.ShortString(), "addr", addr)
	return c, nil
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

// Close 关闭监听器和所有连接
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	conns := make([]*conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	t.wg.Wait()
	return err
}

func (t *Transport) acceptLoop(l net.Listener) {
	defer t.wg.Done()

	for {
		raw, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("accept 失败", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
			defer cancel()

			c, err := t.upgrade(ctx, raw, false)
			if err != nil {
				log.Debug("入站握手失败", "remote", raw.RemoteAddr().String(), "err", err)
				raw.Close()
				return
			}

			t.mu.RLock()
			h := t.connHandler
			t.mu.RUnlock()
			if h != nil {
				h(c)
			}
		}()
	}
}

// upgrade 在原始连接上完成 Noise 握手并建立 yamux 会话
func (t *Transport) upgrade(ctx context.Context, raw net.Conn, initiator bool) (*conn, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, err
	}

	sc, err := handshake(raw, t.id, initiator)
	if err != nil {
		return nil, err
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	if sc.remote == t.id.ID() {
		return nil, errors.New("dialed self")
	}

	var session *yamux.Session
	if initiator {
		session, err = yamux.Client(sc, yamuxConfig(t.cfg))
	} else {
		session, err = yamux.Server(sc, yamuxConfig(t.cfg))
	}
	if err != nil {
		return nil, fmt.Errorf("yamux: %w", err)
	}

	c := &conn{
		t:          t,
		session:    session,
		remote:     sc.remote,
		remoteAddr: raw.RemoteAddr().String(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		session.Close()
		return nil, types.ErrConnectionClosed
	}
	t.conns[c] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go c.acceptStreams()
	return c, nil
}

func (t *Transport) handler(protocol string) interfaces.StreamHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[protocol]
}

func (t *Transport) untrack(c *conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}
