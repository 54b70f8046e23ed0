// Package interfaces 定义 overlay 的公共接口
//
// 核心协议代码（DHT、GossipSub、发现桥）只依赖这里的接口，
// 具体传输实现位于 internal/core/transport。
//
//   - securechannel.go - 安全通道（认证、加密、多路复用的字节流）
package interfaces
