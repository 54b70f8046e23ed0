// Package overlay 提供去中心化发布订阅覆盖网络节点
//
// 节点组合以下组件：
//
//   - Identity: Ed25519 密钥对，PeerID = SHA-256(公钥)
//   - SecureChannel: TCP + Noise XX + yamux（测试可注入内存实现）
//   - DHT: Kademlia 路由表、迭代查找、引导与刷新
//   - GossipSub: 主题网格、心跳维护、签名校验、去重、洪泛控制
//   - Discovery Bridge: 在发现主题上通告地址，收集到路由表
//
// # 快速开始
//
//	node, err := overlay.Start(ctx,
//	    overlay.WithListenAddrs("0.0.0.0:4001"),
//	    overlay.WithBootstrapPeers("203.0.113.7:4001"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	sub, _ := node.Subscribe("chat")
//	node.Publish(ctx, "chat", []byte("hello"))
//	msg, _ := sub.Next(ctx)
//
// # 文件组织
//
//   - node.go: Node 结构与 API
//   - node_lifecycle.go: 启动与关闭
//   - options.go: 配置选项
//   - fx.go: fx 模块装配
//   - pubsub.go: 订阅与消息
//   - errors.go: 公共错误
package overlay
