// Package peerstore 持久化路由表节点记录
//
// 使用 BadgerDB 保存节点 ID、地址和最后活跃时间，重启后恢复路由表，
// 避免每次启动都只能依赖种子节点。
//
// 键布局:
//
//	rt/<NodeID base58> → JSON {addrs, lastSeen}
package peerstore
