package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

// protocolHeaderTimeout 入站流读取协议头的超时
const protocolHeaderTimeout = 10 * time.Second

// maxProtocolLen 协议名最大长度
const maxProtocolLen = 256

// ============================================================================
//                              conn
// ============================================================================

type conn struct {
	t          *Transport
	session    *yamux.Session
	remote     types.NodeID
	remoteAddr string
	closeOnce  sync.Once
}

var _ interfaces.Connection = (*conn)(nil)

func (c *conn) RemoteID() types.NodeID { return c.remote }
func (c *conn) RemoteAddr() string     { return c.remoteAddr }
func (c *conn) Done() <-chan struct{}  { return c.session.CloseChan() }
func (c *conn) IsClosed() bool         { return c.session.IsClosed() }

// OpenStream 打开新流并写入协议头
//
// yamux 的 OpenStream 不支持 context，在独立 goroutine 中执行。
func (c *conn) OpenStream(ctx context.Context, protocol string) (interfaces.Stream, error) {
	if c.IsClosed() {
		return nil, types.ErrConnectionClosed
	}

	type result struct {
		s   *yamux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.session.OpenStream()
		ch <- result{s, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		// 迟到的流由 session 关闭时回收
		go func() {
			if late := <-ch; late.s != nil {
				late.s.Close()
			}
		}()
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", types.ErrConnectionClosed, r.err)
	}

	st := newStream(r.s, c, protocol)
	if err := st.Send([]byte(protocol)); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.session.Close()
		c.t.untrack(c)
	})
	return err
}

// acceptStreams 接收入站流并按协议头分发
func (c *conn) acceptStreams() {
	defer c.t.wg.Done()
	defer c.Close()

	for {
		s, err := c.session.AcceptStream()
		if err != nil {
			return
		}
		go c.dispatch(s)
	}
}

func (c *conn) dispatch(s *yamux.Stream) {
	st := newStream(s, c, "")

	_ = s.SetReadDeadline(time.Now().Add(protocolHeaderTimeout))
	hdr, err := ReadFrame(st.br, maxProtocolLen)
	_ = s.SetReadDeadline(time.Time{})
	if err != nil {
		s.Close()
		return
	}

	st.protocol = string(hdr)
	h := c.t.handler(st.protocol)
	if h == nil {
		log.Debug("未注册的协议", "protocol", st.protocol, "peer", c.remote.ShortString())
		s.Close()
		return
	}
	h(st)
}

// ============================================================================
//                              stream
// ============================================================================

type stream struct {
	s        *yamux.Stream
	br       *bufio.Reader
	conn     *conn
	protocol string

	writeMu sync.Mutex
}

var _ interfaces.Stream = (*stream)(nil)

func newStream(s *yamux.Stream, c *conn, protocol string) *stream {
	return &stream{s: s, br: bufio.NewReader(s), conn: c, protocol: protocol}
}

func (s *stream) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := WriteFrame(s.s, frame); err != nil {
		return closedErr(err)
	}
	return nil
}

func (s *stream) Receive() ([]byte, error) {
	frame, err := ReadFrame(s.br, s.conn.t.cfg.MaxFrameSize)
	if err != nil {
		return nil, closedErr(err)
	}
	return frame, nil
}

func (s *stream) Protocol() string              { return s.protocol }
func (s *stream) Conn() interfaces.Connection   { return s.conn }
func (s *stream) SetDeadline(t time.Time) error { return s.s.SetDeadline(t) }
func (s *stream) Close() error                  { return s.s.Close() }

// closedErr 将流结束类错误归一为 types.ErrConnectionClosed
func closedErr(err error) error {
	switch {
	case errors.Is(err, types.ErrConnectionClosed):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, yamux.ErrStreamClosed), errors.Is(err, yamux.ErrSessionShutdown),
		errors.Is(err, yamux.ErrConnectionReset):
		return fmt.Errorf("%w: %v", types.ErrConnectionClosed, err)
	default:
		return err
	}
}
