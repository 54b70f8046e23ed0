// Package bridge 把发布订阅上的节点通告接入 DHT 路由表
//
// 每个节点每隔 Interval 在发现主题上发布 {id, 公钥, 地址}；收到的通告
// 校验公钥哈希等于 id、信封发送者等于 id 后写入路由表，并按配置连接该节点。
package bridge
