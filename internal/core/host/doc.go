// Package host 在 SecureChannel 之上管理连接
//
// Host 负责：
//   - 按 NodeID 复用连接，按需拨号
//   - 地址簿（最近使用的地址在前）
//   - 连接/断开通知（首个连接建立时通知 Connected，最后一个断开时通知 Disconnected）
package host
