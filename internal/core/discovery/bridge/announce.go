package bridge

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Announcement 节点自我通告
//
// 线格式: { 1: id bytes(32); 2: public key bytes; 3: addrs repeated string }
type Announcement struct {
	ID        types.NodeID
	PublicKey []byte
	Addrs     []string
}

// Info 转换为 PeerInfo
func (a *Announcement) Info() types.PeerInfo {
	return types.PeerInfo{ID: a.ID, Addrs: a.Addrs}
}

// Marshal 编码通告
func (a *Announcement) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, a.ID[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, a.PublicKey)
	for _, addr := range a.Addrs {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, addr)
	}
	return b
}

// UnmarshalAnnouncement 解码并校验通告，公钥必须派生出通告的 ID
func UnmarshalAnnouncement(b []byte) (*Announcement, error) {
	a := &Announcement{}
	var haveID bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: announcement: %v", types.ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: announcement: %v", types.ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: announcement: %v", types.ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1:
			id, err := types.NodeIDFromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("%w: announcement id: %v", types.ErrMalformedMessage, err)
			}
			a.ID = id
			haveID = true
		case 2:
			a.PublicKey = append([]byte(nil), v...)
		case 3:
			a.Addrs = append(a.Addrs, string(v))
		}
	}

	if !haveID {
		return nil, fmt.Errorf("%w: announcement without id", types.ErrMalformedMessage)
	}
	if identity.PeerIDFromPublicKey(a.PublicKey) != a.ID {
		return nil, fmt.Errorf("%w: announcement key does not match %s",
			types.ErrMalformedIdentity, a.ID.ShortString())
	}
	return a, nil
}
