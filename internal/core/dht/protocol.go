package dht

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ProtocolID DHT 协议标识
const ProtocolID = "/overlay/kad/1.0.0"

// MessageType 消息类型
type MessageType uint8

const (
	// MessagePing 存活探测
	MessagePing MessageType = iota + 1
	// MessagePong 探测响应
	MessagePong
	// MessageFindNode 查找最近节点
	MessageFindNode
	// MessageFindNodeResp 查找响应
	MessageFindNodeResp
)

// String 返回消息类型名称
func (t MessageType) String() string {
	switch t {
	case MessagePing:
		return "PING"
	case MessagePong:
		return "PONG"
	case MessageFindNode:
		return "FIND_NODE"
	case MessageFindNodeResp:
		return "FIND_NODE_RESP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Message DHT 协议消息
//
// 线格式（protobuf 编码）:
//
//	1: type       varint
//	2: request_id bytes(16)
//	3: sender     PeerInfo
//	4: target     bytes(32)
//	5: closer     repeated PeerInfo
//
//	PeerInfo { 1: id bytes(32); 2: addrs repeated string }
type Message struct {
	Type      MessageType
	RequestID uuid.UUID
	Sender    types.PeerInfo
	Target    types.NodeID
	Closer    []types.PeerInfo
}

// NewRequest 创建带随机请求 ID 的请求
func NewRequest(typ MessageType, sender types.PeerInfo, target types.NodeID) *Message {
	return &Message{
		Type:      typ,
		RequestID: uuid.New(),
		Sender:    sender,
		Target:    target,
	}
}

// Response 创建与请求关联的响应
func (m *Message) Response(typ MessageType, sender types.PeerInfo, closer []types.PeerInfo) *Message {
	return &Message{
		Type:      typ,
		RequestID: m.RequestID,
		Sender:    sender,
		Target:    m.Target,
		Closer:    closer,
	}
}

// Marshal 编码消息
func (m *Message) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.RequestID[:])
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, appendPeerInfo(nil, m.Sender))
	if !m.Target.IsEmpty() {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Target[:])
	}
	for _, p := range m.Closer {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPeerInfo(nil, p))
	}
	return b
}

// UnmarshalMessage 解码消息，格式错误返回 ErrMalformedMessage
func UnmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	var haveID, haveSender bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("type", protowire.ParseError(n))
			}
			m.Type = MessageType(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != len(m.RequestID) {
				return nil, malformed("request id", nil)
			}
			copy(m.RequestID[:], v)
			haveID = true
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("sender", protowire.ParseError(n))
			}
			info, err := consumePeerInfo(v)
			if err != nil {
				return nil, err
			}
			m.Sender = info
			haveSender = true
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("target", protowire.ParseError(n))
			}
			id, err := types.NodeIDFromBytes(v)
			if err != nil {
				return nil, malformed("target", err)
			}
			m.Target = id
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("closer", protowire.ParseError(n))
			}
			info, err := consumePeerInfo(v)
			if err != nil {
				return nil, err
			}
			m.Closer = append(m.Closer, info)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if m.Type < MessagePing || m.Type > MessageFindNodeResp {
		return nil, malformed("type", fmt.Errorf("unknown type %d", m.Type))
	}
	if !haveID || !haveSender {
		return nil, malformed("header", fmt.Errorf("missing request id or sender"))
	}
	return m, nil
}

func appendPeerInfo(b []byte, p types.PeerInfo) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ID[:])
	for _, a := range p.Addrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	return b
}

func consumePeerInfo(b []byte) (types.PeerInfo, error) {
	var p types.PeerInfo
	var haveID bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, malformed("peer info", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, malformed("peer id", protowire.ParseError(n))
			}
			id, err := types.NodeIDFromBytes(v)
			if err != nil {
				return p, malformed("peer id", err)
			}
			p.ID = id
			haveID = true
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return p, malformed("peer addr", protowire.ParseError(n))
			}
			p.Addrs = append(p.Addrs, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, malformed("peer info", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !haveID {
		return p, malformed("peer info", fmt.Errorf("missing id"))
	}
	return p, nil
}

func malformed(field string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", types.ErrMalformedMessage, field)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrMalformedMessage, field, err)
}
