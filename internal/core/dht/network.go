package dht

import (
	"context"
	"fmt"
	"time"

	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Network DHT 对外请求
type Network interface {
	// FindNode 向 to 请求其已知的距 target 最近的节点
	FindNode(ctx context.Context, to types.PeerInfo, target types.NodeID) ([]types.PeerInfo, error)

	// Ping 探测 to 是否在线
	Ping(ctx context.Context, to types.PeerInfo) error
}

// hostNetwork 基于 Host 的 Network 实现
type hostNetwork struct {
	host    *host.Host
	timeout time.Duration
}

func newHostNetwork(h *host.Host, timeout time.Duration) *hostNetwork {
	return &hostNetwork{host: h, timeout: timeout}
}

func (n *hostNetwork) self() types.PeerInfo {
	return types.PeerInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
}

// FindNode 实现 Network
func (n *hostNetwork) FindNode(ctx context.Context, to types.PeerInfo, target types.NodeID) ([]types.PeerInfo, error) {
	resp, err := n.roundTrip(ctx, to, NewRequest(MessageFindNode, n.self(), target))
	if err != nil {
		return nil, err
	}
	if resp.Type != MessageFindNodeResp {
		return nil, malformed("response", fmt.Errorf("want FIND_NODE_RESP, got %s", resp.Type))
	}
	return resp.Closer, nil
}

// Ping 实现 Network
func (n *hostNetwork) Ping(ctx context.Context, to types.PeerInfo) error {
	resp, err := n.roundTrip(ctx, to, NewRequest(MessagePing, n.self(), types.EmptyNodeID))
	if err != nil {
		return err
	}
	if resp.Type != MessagePong {
		return malformed("response", fmt.Errorf("want PONG, got %s", resp.Type))
	}
	return nil
}

func (n *hostNetwork) roundTrip(ctx context.Context, to types.PeerInfo, req *Message) (*Message, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	n.host.AddAddrs(to.ID, to.Addrs)
	s, err := n.host.NewStream(ctx, to.ID, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	if err := s.Send(req.Marshal()); err != nil {
		return nil, err
	}
	frame, err := s.Receive()
	if err != nil {
		return nil, err
	}
	resp, err := UnmarshalMessage(frame)
	if err != nil {
		return nil, err
	}
	if resp.RequestID != req.RequestID {
		return nil, malformed("response", fmt.Errorf("request id mismatch"))
	}
	if resp.Sender.ID != to.ID {
		return nil, malformed("response", fmt.Errorf("sender %s, want %s", resp.Sender.ID.ShortString(), to.ID.ShortString()))
	}
	return resp, nil
}
