// Package identity 提供节点身份
//
// 身份由 Ed25519 密钥对构成，PeerID = SHA-256(公钥)。
// 身份创建后不可修改，进程启动时加载一次。
//
//   - identity.go - Identity 生成、序列化、签名
//   - storage.go  - Store 持久化接口与 PEM 文件实现
//   - module.go   - fx 模块
package identity
