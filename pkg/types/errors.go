package types

import "errors"

// ============================================================================
//                              连接相关错误
// ============================================================================

var (
	// ErrConnect 对端不可达或拒绝连接，调用方可退避重试
	ErrConnect = errors.New("connect failed")

	// ErrConnectionClosed 连接或流已关闭
	ErrConnectionClosed = errors.New("connection closed")
)

// ============================================================================
//                              协议相关错误
// ============================================================================

var (
	// ErrMalformedMessage 消息格式错误
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidSignature 签名无效
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrRateLimited 对端消息速率超限
	ErrRateLimited = errors.New("rate limited")

	// ErrPublish 发布失败
	ErrPublish = errors.New("publish failed")
)

// ============================================================================
//                              DHT 相关错误
// ============================================================================

var (
	// ErrLookupTimeout 查找超时，结果为尽力而为的部分结果
	ErrLookupTimeout = errors.New("lookup timeout")

	// ErrBootstrapFailed 所有种子节点均不可达
	ErrBootstrapFailed = errors.New("bootstrap failed: no seed reachable")
)

// ============================================================================
//                              身份相关错误
// ============================================================================

var (
	// ErrMalformedIdentity 身份数据损坏
	ErrMalformedIdentity = errors.New("malformed identity")

	// ErrNotFound 身份不存在
	ErrNotFound = errors.New("identity not found")
)
