// Package types 定义 overlay 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
//
// # 文件组织
//
//   - ids.go     - NodeID（节点标识）
//   - peer.go    - PeerInfo, Liveness
//   - message.go - MessageID, Envelope（消息信封）
//   - errors.go  - 公共错误定义
package types
