package transport

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/pkg/types"
)

// payloadSigPrefix 握手 payload 签名前缀
const payloadSigPrefix = "overlay-noise-static-key:"

// maxNoiseMsg Noise 单条消息上限
const maxNoiseMsg = 65535

// maxPlaintext 单条加密消息可承载的明文上限（扣除 16 字节 MAC）
const maxPlaintext = maxNoiseMsg - 16

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ============================================================================
//                              Noise XX 握手
// ============================================================================

// handshake 执行 Noise XX 握手
//
//	-> e
//	<- e, ee, s, es, payload
//	-> s, se, payload
//
// payload 携带 Ed25519 身份公钥及其对 Curve25519 静态公钥的签名，
// 对端据此认证身份并派生 PeerID。
func handshake(conn net.Conn, id *identity.Identity, initiator bool) (*secureConn, error) {
	static := noise.DHKey{
		Private: ed25519ToCurve25519Private(id.PrivateKey()),
		Public:  ed25519ToCurve25519Public(id.PublicKey()),
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	sig := id.Sign(append([]byte(payloadSigPrefix), static.Public...))
	local := encodePayload(id.PublicKey(), sig)

	var sendCS, recvCS *noise.CipherState
	var remote []byte
	if initiator {
		sendCS, recvCS, remote, err = initiatorHandshake(conn, hs, local)
	} else {
		sendCS, recvCS, remote, err = responderHandshake(conn, hs, local)
	}
	if err != nil {
		return nil, err
	}

	remotePub, remoteSig, err := decodePayload(remote)
	if err != nil {
		return nil, err
	}
	remoteStatic := hs.PeerStatic()
	if err := identity.Verify(identity.PeerIDFromPublicKey(remotePub), remotePub,
		append([]byte(payloadSigPrefix), remoteStatic...), remoteSig); err != nil {
		return nil, fmt.Errorf("remote static key not bound to identity: %w", err)
	}

	return &secureConn{
		Conn:   conn,
		sendCS: sendCS,
		recvCS: recvCS,
		remote: identity.PeerIDFromPublicKey(remotePub),
	}, nil
}

func initiatorHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remote []byte, err error) {
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeNoiseMsg(conn, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	msg, err = readNoiseMsg(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remote, _, _, err = hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeNoiseMsg(conn, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}
	return cs1, cs2, remote, nil
}

func responderHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remote []byte, err error) {
	msg, err := readNoiseMsg(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err = hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	msg, _, _, err = hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeNoiseMsg(conn, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	msg, err = readNoiseMsg(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remote, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}
	// 响应者方向与发起者相反
	return cs2, cs1, remote, nil
}

// payload: 1=identity_key, 2=identity_sig
func encodePayload(pub, sig []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, pub)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	return b
}

func decodePayload(b []byte) (pub, sig []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: handshake payload", types.ErrMalformedMessage)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: handshake payload", types.ErrMalformedMessage)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: handshake payload", types.ErrMalformedMessage)
		}
		switch num {
		case 1:
			pub = v
		case 2:
			sig = v
		}
		b = b[n:]
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("%w: identity key length %d", types.ErrMalformedMessage, len(pub))
	}
	return pub, sig, nil
}

// ============================================================================
//                              密钥转换
// ============================================================================

// ed25519ToCurve25519Private 对种子做 SHA-512 并 clamp（RFC 7748）
func ed25519ToCurve25519Private(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// ed25519ToCurve25519Public Edwards -> Montgomery: u = (1 + y) / (1 - y)
func ed25519ToCurve25519Public(pub ed25519.PublicKey) []byte {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return make([]byte, 32)
	}
	return p.BytesMontgomery()
}

// ============================================================================
//                              加密连接
// ============================================================================

// secureConn Noise 加密连接
//
// 每条加密消息以 2 字节大端长度为前缀。
type secureConn struct {
	net.Conn

	sendCS *noise.CipherState
	recvCS *noise.CipherState
	remote types.NodeID

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) == 0 {
		msg, err := readNoiseMsg(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recvCS.Decrypt(nil, nil, msg)
		if err != nil {
			return 0, fmt.Errorf("decrypt: %w", err)
		}
		c.readBuf = plain
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxPlaintext
		if end > len(p) {
			end = len(p)
		}
		cipher, err := c.sendCS.Encrypt(nil, nil, p[written:end])
		if err != nil {
			return written, fmt.Errorf("encrypt: %w", err)
		}
		if err := writeNoiseMsg(c.Conn, cipher); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func writeNoiseMsg(w io.Writer, msg []byte) error {
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

func readNoiseMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
