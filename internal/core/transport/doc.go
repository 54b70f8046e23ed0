// Package transport 实现 TCP 安全通道
//
// 连接建立流程：TCP 拨号 -> Noise XX 握手（双向身份认证）-> yamux 多路复用。
// 每个流打开后第一帧为协议名，随后每帧以 uvarint 长度为前缀。
//
//   - frame.go     - 帧编解码
//   - noise.go     - Noise XX 握手与加密连接
//   - muxer.go     - yamux 配置
//   - transport.go - SecureChannel 实现
//   - conn.go      - Connection / Stream 实现
//   - module.go    - fx 模块
package transport
