// Package gossipsub 实现主题网格与消息传播
//
// 组成：
//   - mesh.go      - 每个主题的网格与 fanout，心跳维护（GRAFT/PRUNE）
//   - cache.go     - 消息历史窗口（IHAVE/IWANT）和已见消息缓存（去重）
//   - flood.go     - 每个对端的入站速率限制与冷却
//   - liveness.go  - 网格成员存活追踪
//   - router.go    - 发布、接收、验证、投递、转发
//   - heartbeat.go - 心跳：网格维护、gossip、IWANT 应答、探测
//   - protocol.go  - RPC 线格式
//
// 网格候选来自已通告订阅的已连接对端；不足时从 DHT 路由表拨号补充。
// 连续探测失败的网格成员被移出所有网格并交给路由表标记 dead。
package gossipsub
