package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"

	"github.com/dep2p/go-overlay/pkg/types"
)

// Identity 节点身份
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   types.NodeID
}

// Generate 生成新身份
//
// 仅在熵源失败时返回错误。
func Generate() (*Identity, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom 使用指定熵源生成身份
func GenerateFrom(r io.Reader) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("生成密钥失败: %w", err)
	}
	return &Identity{priv: priv, pub: pub, id: PeerIDFromPublicKey(pub)}, nil
}

// Unmarshal 从私钥字节恢复身份
//
// 数据损坏时返回 types.ErrMalformedIdentity。
func Unmarshal(data []byte) (*Identity, error) {
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: 长度 %d", types.ErrMalformedIdentity, len(data))
	}
	priv := ed25519.PrivateKey(append([]byte(nil), data...))
	pub := priv.Public().(ed25519.PublicKey)

	// 私钥后 32 字节即公钥，二者不一致说明数据被篡改
	derived := ed25519.NewKeyFromSeed(priv.Seed())
	if !derived.Equal(priv) {
		return nil, fmt.Errorf("%w: 公钥与种子不匹配", types.ErrMalformedIdentity)
	}
	return &Identity{priv: priv, pub: pub, id: PeerIDFromPublicKey(pub)}, nil
}

// Marshal 返回私钥字节
func (i *Identity) Marshal() []byte {
	return append([]byte(nil), i.priv...)
}

// ID 返回 PeerID
func (i *Identity) ID() types.NodeID {
	return i.id
}

// PublicKey 返回公钥
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// PrivateKey 返回私钥
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}

// Sign 签名数据
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// PeerIDFromPublicKey 从公钥派生 PeerID
func PeerIDFromPublicKey(pub []byte) types.NodeID {
	return types.NodeID(sha256.Sum256(pub))
}

// Verify 校验签名与公钥归属
//
// 公钥哈希必须等于 id，签名必须有效。
func Verify(id types.NodeID, pub, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: 公钥长度 %d", types.ErrInvalidSignature, len(pub))
	}
	if PeerIDFromPublicKey(pub) != id {
		return fmt.Errorf("%w: 公钥与 PeerID 不匹配", types.ErrInvalidSignature)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, data, sig) {
		return types.ErrInvalidSignature
	}
	return nil
}
