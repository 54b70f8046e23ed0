package dht

import (
	"crypto/rand"

	"github.com/dep2p/go-overlay/pkg/types"
)

// CompareDistance 比较 a、b 到 target 的 XOR 距离
//
// a 更近返回 -1，相等返回 0，b 更近返回 1。
func CompareDistance(target, a, b types.NodeID) int {
	for i := 0; i < types.NodeIDLen; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// RandomIDInBucket 生成落入 self 第 bucket 个桶的随机 ID
//
// 结果与 self 的公共前缀长度恰好为 bucket。
func RandomIDInBucket(self types.NodeID, bucket int) types.NodeID {
	var id types.NodeID
	rand.Read(id[:])

	byteIdx, bitIdx := bucket/8, uint(bucket%8)
	copy(id[:byteIdx], self[:byteIdx])

	// 前 bitIdx 位取自 self，第 bitIdx 位取反，其余随机
	keep := byte(0xff) << (8 - bitIdx)
	flip := byte(0x80) >> bitIdx
	id[byteIdx] = (self[byteIdx] & keep) | ((^self[byteIdx]) & flip) | (id[byteIdx] &^ (keep | flip))
	return id
}
