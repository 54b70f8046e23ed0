package interfaces

import (
	"context"
	"time"

	"github.com/dep2p/go-overlay/pkg/types"
)

// SecureChannel 定义安全通道接口
//
// 提供两个身份之间经过认证、加密、多路复用的字节流。
// 所有协议消息以带长度前缀的二进制帧在 Stream 上传输。
type SecureChannel interface {
	// LocalID 返回本地节点 ID
	LocalID() types.NodeID

	// ListenAddrs 返回本地监听地址
	ListenAddrs() []string

	// Connect 连接到指定地址
	//
	// 失败时返回包装了 types.ErrConnect 的错误。
	Connect(ctx context.Context, addr string) (Connection, error)

	// SetStreamHandler 注册入站流处理器
	SetStreamHandler(protocol string, handler StreamHandler)

	// RemoveStreamHandler 移除入站流处理器
	RemoveStreamHandler(protocol string)

	// SetConnHandler 注册入站连接回调
	SetConnHandler(handler ConnHandler)

	// Close 关闭通道及所有连接
	Close() error
}

// Connection 定义到单个对端的安全连接
type Connection interface {
	// RemoteID 返回对端节点 ID（握手时认证）
	RemoteID() types.NodeID

	// RemoteAddr 返回对端地址
	RemoteAddr() string

	// OpenStream 打开指定协议的新流
	OpenStream(ctx context.Context, protocol string) (Stream, error)

	// Done 连接关闭时关闭
	Done() <-chan struct{}

	// IsClosed 检查连接是否已关闭
	IsClosed() bool

	// Close 关闭连接
	Close() error
}

// Stream 定义帧化的双向流
type Stream interface {
	// Send 发送一帧
	Send(frame []byte) error

	// Receive 接收一帧
	//
	// 对端关闭时返回 types.ErrConnectionClosed。
	Receive() ([]byte, error)

	// Protocol 返回流协议
	Protocol() string

	// Conn 返回所属连接
	Conn() Connection

	// SetDeadline 设置读写截止时间
	SetDeadline(t time.Time) error

	// Close 关闭流
	Close() error
}

// StreamHandler 入站流处理函数
type StreamHandler func(Stream)

// ConnHandler 入站连接回调
type ConnHandler func(Connection)
