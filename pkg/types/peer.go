package types

import "time"

// ============================================================================
//                              Liveness - 存活状态
// ============================================================================

// Liveness 节点存活状态
type Liveness int

const (
	// LivenessAlive 最近一次交互成功
	LivenessAlive Liveness = iota
	// LivenessStale 长时间未见或存在连续失败
	LivenessStale
	// LivenessDead 已判定不可达，等待宽限期后清除
	LivenessDead
)

// String 返回存活状态名称
func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessStale:
		return "stale"
	case LivenessDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              PeerInfo - 节点信息
// ============================================================================

// PeerInfo 节点标识与地址
type PeerInfo struct {
	ID    NodeID
	Addrs []string
}

// PeerRecord 路由表中的节点记录
type PeerRecord struct {
	// ID 节点标识
	ID NodeID

	// Addrs 已知地址，最近使用的在前
	Addrs []string

	// LastSeen 最近一次成功交互时间
	LastSeen time.Time

	// State 存活状态
	State Liveness

	// Failures 连续失败次数
	Failures int

	// DeadSince 被标记为 dead 的时间
	DeadSince time.Time
}

// Info 返回记录对应的 PeerInfo
func (r PeerRecord) Info() PeerInfo {
	return PeerInfo{ID: r.ID, Addrs: append([]string(nil), r.Addrs...)}
}

// MergeAddrs 将 fresh 中的地址放到最前，保留 old 中其余地址
//
// 结果按最近使用排序且不含重复项。
func MergeAddrs(fresh, old []string) []string {
	out := make([]string, 0, len(fresh)+len(old))
	seen := make(map[string]struct{}, len(fresh)+len(old))
	for _, list := range [][]string{fresh, old} {
		for _, a := range list {
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
