package types

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/multiformats/go-varint"
	"lukechampine.com/blake3"
)

// MaxTopicLen 主题名最大字节数
const MaxTopicLen = 1024

// ============================================================================
//                              MessageID - 消息标识
// ============================================================================

// MessageID 消息唯一标识，用于去重
type MessageID [32]byte

// String 返回十六进制表示
func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString 返回前 8 个十六进制字符
func (id MessageID) ShortString() string {
	return id.String()[:8]
}

// ComputeMessageID 计算消息 ID
//
// MessageID = BLAKE3-256(sender || seqno(big-endian) || payload)
func ComputeMessageID(sender NodeID, seqno uint64, payload []byte) MessageID {
	h := blake3.New(32, nil)
	h.Write(sender[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], seqno)
	h.Write(seq[:])
	h.Write(payload)

	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

// ============================================================================
//                              Envelope - 消息信封
// ============================================================================

// Envelope 发布订阅消息信封
//
// 构造后不可修改。
type Envelope struct {
	// From 原始发送者
	From NodeID

	// Seqno 发送者本地序列号
	Seqno uint64

	// Topic 主题
	Topic string

	// Data 负载
	Data []byte

	// Signature 发送者对 SignBytes() 的签名
	Signature []byte

	// Key 发送者公钥，哈希后必须等于 From
	Key []byte
}

// ID 返回消息 ID
func (e *Envelope) ID() MessageID {
	return ComputeMessageID(e.From, e.Seqno, e.Data)
}

// SignBytes 返回待签名的字节
//
// 覆盖发送者、序列号、主题和负载。主题以 uvarint 长度为前缀。
func (e *Envelope) SignBytes() []byte {
	buf := make([]byte, 0, len("overlay-msg:")+NodeIDLen+8+varint.MaxLenUvarint63+len(e.Topic)+len(e.Data))
	buf = append(buf, "overlay-msg:"...)
	buf = append(buf, e.From[:]...)
	buf = binary.BigEndian.AppendUint64(buf, e.Seqno)
	buf = append(buf, varint.ToUvarint(uint64(len(e.Topic)))...)
	buf = append(buf, e.Topic...)
	buf = append(buf, e.Data...)
	return buf
}
