// Package dht 实现 Kademlia 节点路由
//
// 只负责节点发现与路由，不存储值：
//   - RoutingTable: 256 个 K 桶，按与本节点的公共前缀长度分桶
//   - Lookup: α 并发的迭代 FIND_NODE 查找
//   - Bootstrap: 连接种子节点后执行自查找填充路由表
//   - 刷新循环: 对过期桶内的随机 ID 执行查找，并清理 dead 节点
//
// 协议 /overlay/kad/1.0.0 上每个流承载一次请求/响应。
package dht
