package gossipsub

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ProtocolID GossipSub 协议标识
const ProtocolID = "/overlay/gossip/1.0.0"

// ============================================================================
//                              RPC 类型
// ============================================================================

// RPC GossipSub RPC 消息
//
// 线格式（protobuf 编码）:
//
//	RPC     { 1: subscriptions repeated SubOpt; 2: messages repeated Envelope; 3: control Control }
//	SubOpt  { 1: subscribe bool; 2: topic string }
//	Envelope{ 1: from bytes(32); 2: seqno varint; 3: topic string; 4: data bytes; 5: signature bytes; 6: key bytes }
//	Control { 1: ihave repeated IHave; 2: iwant repeated IWant; 3: graft repeated Graft; 4: prune repeated Prune }
//	IHave   { 1: topic string; 2: ids repeated bytes(32) }
//	IWant   { 1: ids repeated bytes(32) }
//	Graft   { 1: topic string }
//	Prune   { 1: topic string; 2: backoff varint (秒) }
type RPC struct {
	Subscriptions []SubOpt
	Messages      []*types.Envelope
	Control       *ControlMessage
}

// SubOpt 订阅变更
type SubOpt struct {
	Subscribe bool
	Topic     string
}

// ControlMessage 控制消息
type ControlMessage struct {
	IHave []ControlIHave
	IWant []ControlIWant
	Graft []ControlGraft
	Prune []ControlPrune
}

// ControlIHave IHAVE 通告
type ControlIHave struct {
	Topic      string
	MessageIDs []types.MessageID
}

// ControlIWant IWANT 请求
type ControlIWant struct {
	MessageIDs []types.MessageID
}

// ControlGraft GRAFT 请求
type ControlGraft struct {
	Topic string
}

// ControlPrune PRUNE 通知
type ControlPrune struct {
	Topic string
	// Backoff 退避秒数
	Backoff uint64
}

// IsEmpty 检查 RPC 是否没有任何内容
func (r *RPC) IsEmpty() bool {
	return len(r.Subscriptions) == 0 && len(r.Messages) == 0 && r.Control.isEmpty()
}

func (c *ControlMessage) isEmpty() bool {
	return c == nil || len(c.IHave)+len(c.IWant)+len(c.Graft)+len(c.Prune) == 0
}

// ============================================================================
//                              编码
// ============================================================================

// Marshal 编码 RPC
func (r *RPC) Marshal() []byte {
	var b []byte
	for _, s := range r.Subscriptions {
		var sb []byte
		sb = protowire.AppendTag(sb, 1, protowire.VarintType)
		sb = protowire.AppendVarint(sb, protowire.EncodeBool(s.Subscribe))
		sb = protowire.AppendTag(sb, 2, protowire.BytesType)
		sb = protowire.AppendString(sb, s.Topic)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	for _, m := range r.Messages {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEnvelope(nil, m))
	}
	if !r.Control.isEmpty() {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendControl(nil, r.Control))
	}
	return b
}

func appendEnvelope(b []byte, m *types.Envelope) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.From[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Seqno)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Signature)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Key)
	return b
}

func appendControl(b []byte, c *ControlMessage) []byte {
	for _, ih := range c.IHave {
		var sb []byte
		sb = protowire.AppendTag(sb, 1, protowire.BytesType)
		sb = protowire.AppendString(sb, ih.Topic)
		sb = appendIDs(sb, 2, ih.MessageIDs)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	for _, iw := range c.IWant {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendIDs(nil, 1, iw.MessageIDs))
	}
	for _, g := range c.Graft {
		var sb []byte
		sb = protowire.AppendTag(sb, 1, protowire.BytesType)
		sb = protowire.AppendString(sb, g.Topic)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	for _, p := range c.Prune {
		var sb []byte
		sb = protowire.AppendTag(sb, 1, protowire.BytesType)
		sb = protowire.AppendString(sb, p.Topic)
		if p.Backoff > 0 {
			sb = protowire.AppendTag(sb, 2, protowire.VarintType)
			sb = protowire.AppendVarint(sb, p.Backoff)
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}

func appendIDs(b []byte, num protowire.Number, ids []types.MessageID) []byte {
	for _, id := range ids {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	return b
}

// ============================================================================
//                              解码
// ============================================================================

// fieldFunc 处理单个字段，返回消费的字节数
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk 遍历 protobuf 字段，未知字段跳过
func walk(b []byte, what string, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(what, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(what, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}

// UnmarshalRPC 解码 RPC，格式错误返回 ErrMalformedMessage
func UnmarshalRPC(b []byte) (*RPC, error) {
	rpc := &RPC{}
	err := walk(b, "rpc", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, malformed("rpc", protowire.ParseError(n))
		}
		switch num {
		case 1:
			sub, err := consumeSubOpt(v)
			if err != nil {
				return 0, err
			}
			rpc.Subscriptions = append(rpc.Subscriptions, sub)
		case 2:
			env, err := consumeEnvelope(v)
			if err != nil {
				return 0, err
			}
			rpc.Messages = append(rpc.Messages, env)
		case 3:
			ctrl, err := consumeControl(v)
			if err != nil {
				return 0, err
			}
			rpc.Control = ctrl
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return rpc, nil
}

func consumeSubOpt(b []byte) (SubOpt, error) {
	var s SubOpt
	err := walk(b, "subopt", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, malformed("subscribe", protowire.ParseError(n))
			}
			s.Subscribe = protowire.DecodeBool(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, malformed("topic", protowire.ParseError(n))
			}
			s.Topic = v
			return n, nil
		}
		return 0, nil
	})
	if err == nil && s.Topic == "" {
		err = malformed("subopt", fmt.Errorf("empty topic"))
	}
	return s, err
}

func consumeEnvelope(b []byte) (*types.Envelope, error) {
	m := &types.Envelope{}
	var haveFrom bool
	err := walk(b, "envelope", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 2 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, malformed("seqno", protowire.ParseError(n))
			}
			m.Seqno = v
			return n, nil
		}
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, malformed("envelope", protowire.ParseError(n))
		}
		switch num {
		case 1:
			id, err := types.NodeIDFromBytes(v)
			if err != nil {
				return 0, malformed("from", err)
			}
			m.From = id
			haveFrom = true
		case 3:
			m.Topic = string(v)
		case 4:
			m.Data = append([]byte(nil), v...)
		case 5:
			m.Signature = append([]byte(nil), v...)
		case 6:
			m.Key = append([]byte(nil), v...)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if !haveFrom || m.Topic == "" {
		return nil, malformed("envelope", fmt.Errorf("missing sender or topic"))
	}
	return m, nil
}

func consumeControl(b []byte) (*ControlMessage, error) {
	c := &ControlMessage{}
	err := walk(b, "control", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, malformed("control", protowire.ParseError(n))
		}
		switch num {
		case 1:
			var ih ControlIHave
			err := walk(v, "ihave", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ != protowire.BytesType {
					return 0, nil
				}
				switch num {
				case 1:
					s, n := protowire.ConsumeString(b)
					if n < 0 {
						return 0, malformed("ihave topic", protowire.ParseError(n))
					}
					ih.Topic = s
					return n, nil
				case 2:
					id, n, err := consumeID(b)
					if err != nil {
						return 0, err
					}
					ih.MessageIDs = append(ih.MessageIDs, id)
					return n, nil
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			c.IHave = append(c.IHave, ih)
		case 2:
			var iw ControlIWant
			err := walk(v, "iwant", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 || typ != protowire.BytesType {
					return 0, nil
				}
				id, n, err := consumeID(b)
				if err != nil {
					return 0, err
				}
				iw.MessageIDs = append(iw.MessageIDs, id)
				return n, nil
			})
			if err != nil {
				return 0, err
			}
			c.IWant = append(c.IWant, iw)
		case 3:
			topic, err := consumeTopic(v, "graft", nil)
			if err != nil {
				return 0, err
			}
			c.Graft = append(c.Graft, ControlGraft{Topic: topic})
		case 4:
			var backoff uint64
			topic, err := consumeTopic(v, "prune", &backoff)
			if err != nil {
				return 0, err
			}
			c.Prune = append(c.Prune, ControlPrune{Topic: topic, Backoff: backoff})
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// consumeTopic 解码 { 1: topic; 2: backoff }
func consumeTopic(b []byte, what string, backoff *uint64) (string, error) {
	var topic string
	err := walk(b, what, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, malformed(what, protowire.ParseError(n))
			}
			topic = s
			return n, nil
		case num == 2 && typ == protowire.VarintType && backoff != nil:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, malformed(what, protowire.ParseError(n))
			}
			*backoff = v
			return n, nil
		}
		return 0, nil
	})
	if err == nil && topic == "" {
		err = malformed(what, fmt.Errorf("empty topic"))
	}
	return topic, err
}

func consumeID(b []byte) (types.MessageID, int, error) {
	var id types.MessageID
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return id, 0, malformed("message id", protowire.ParseError(n))
	}
	if len(v) != len(id) {
		return id, 0, malformed("message id", fmt.Errorf("length %d", len(v)))
	}
	copy(id[:], v)
	return id, n, nil
}

func malformed(field string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", types.ErrMalformedMessage, field)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrMalformedMessage, field, err)
}
