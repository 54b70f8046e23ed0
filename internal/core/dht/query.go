package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              查找状态
// ============================================================================

type candidateState int

const (
	candidatePending candidateState = iota
	candidateResponded
	candidateFailed
)

type candidate struct {
	info  types.PeerInfo
	state candidateState
	// queried 已发出请求（可能尚未返回）
	queried bool
	listed  bool
}

// lookupState 单次查找的状态
type lookupState struct {
	target types.NodeID
	self   types.NodeID
	k      int

	// shortlist 按距离升序，最多 k 个，失败节点不在其中
	shortlist []*candidate
	// seen 本次查找见过的全部节点，被截断的节点再次出现时保留原状态
	seen map[types.NodeID]*candidate
}

func newLookupState(self, target types.NodeID, k int) *lookupState {
	return &lookupState{
		target: target,
		self:   self,
		k:      k,
		seen:   make(map[types.NodeID]*candidate),
	}
}

// add 合并新节点，返回是否出现了比原最近节点更近的节点
func (s *lookupState) add(infos ...types.PeerInfo) bool {
	var best *types.NodeID
	if len(s.shortlist) > 0 {
		id := s.shortlist[0].info.ID
		best = &id
	}

	improved := false
	for _, info := range infos {
		if info.ID == s.self || info.ID.IsEmpty() {
			continue
		}
		c, ok := s.seen[info.ID]
		if !ok {
			c = &candidate{info: info}
			s.seen[info.ID] = c
		}
		if c.listed || c.state == candidateFailed {
			continue
		}
		c.listed = true
		s.shortlist = append(s.shortlist, c)
		if best == nil || CompareDistance(s.target, info.ID, *best) < 0 {
			improved = true
		}
	}

	sort.Slice(s.shortlist, func(i, j int) bool {
		return CompareDistance(s.target, s.shortlist[i].info.ID, s.shortlist[j].info.ID) < 0
	})
	if len(s.shortlist) > s.k {
		for _, c := range s.shortlist[s.k:] {
			c.listed = false
		}
		s.shortlist = s.shortlist[:s.k]
	}
	return improved
}

// next 返回最近的 n 个未查询节点，n <= 0 表示 shortlist 内全部
func (s *lookupState) next(n int) []*candidate {
	var out []*candidate
	for _, c := range s.shortlist {
		if c.queried {
			continue
		}
		out = append(out, c)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// fail 将节点移出 shortlist
func (s *lookupState) fail(c *candidate) {
	c.state = candidateFailed
	c.listed = false
	for i, x := range s.shortlist {
		if x == c {
			s.shortlist = append(s.shortlist[:i], s.shortlist[i+1:]...)
			return
		}
	}
}

// result 返回已响应节点，按距离升序
func (s *lookupState) result() []types.PeerInfo {
	var out []types.PeerInfo
	for _, c := range s.shortlist {
		if c.state == candidateResponded {
			out = append(out, c.info)
		}
	}
	return out
}

// ============================================================================
//                              迭代查找
// ============================================================================

type queryResult struct {
	c      *candidate
	closer []types.PeerInfo
	err    error
}

// Lookup 迭代查找距 target 最近的 k 个节点
//
// 以路由表中最近的 α 个节点为起点，每轮并发查询 α 个最近的未查询节点。
// 某轮没有发现更近节点时，查询 shortlist 内所有未查询节点直到收敛。
// 超过最大轮数或查找超时返回部分结果和 ErrLookupTimeout。
func (d *DHT) Lookup(ctx context.Context, target types.NodeID) ([]types.PeerRecord, error) {
	if !d.isRunning() {
		return nil, NewDHTError("lookup", ErrDHTClosed, "")
	}

	start := d.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()

	st := newLookupState(d.host.ID(), target, d.cfg.BucketSize)
	for _, rec := range d.rt.ClosestTo(target, d.cfg.Alpha) {
		st.add(rec.Info())
	}

	var err error
	rounds := 0
	final := false
	for {
		width := d.cfg.Alpha
		if final {
			width = 0
		}
		batch := st.next(width)
		if len(batch) == 0 {
			break
		}
		if ctx.Err() != nil || rounds >= d.cfg.MaxRounds {
			err = NewDHTError("lookup", types.ErrLookupTimeout, fmt.Sprintf("target %s, %d rounds", target.ShortString(), rounds))
			break
		}

		improved := false
		for _, r := range d.queryBatch(ctx, target, batch) {
			if r.err != nil {
				if ctx.Err() != nil {
					// 超时导致的失败不计入节点
					r.c.queried = false
					continue
				}
				log.Debug("FIND_NODE 失败", "peer", r.c.info.ID.ShortString(), "err", r.err)
				st.fail(r.c)
				d.rt.RecordFailure(r.c.info.ID)
				continue
			}
			r.c.state = candidateResponded
			d.rt.Insert(ctx, types.PeerRecord{ID: r.c.info.ID, Addrs: r.c.info.Addrs})
			if st.add(r.closer...) {
				improved = true
			}
		}
		rounds++

		// 无改进时进入收尾阶段，收尾中出现更近节点则恢复 α 并发
		final = !improved
	}

	if idx := d.rt.BucketIndex(target); idx >= 0 {
		d.rt.MarkRefreshed(idx)
	}

	found := st.result()
	now := d.clock.Now()
	out := make([]types.PeerRecord, len(found))
	for i, info := range found {
		out[i] = types.PeerRecord{ID: info.ID, Addrs: info.Addrs, LastSeen: now, State: types.LivenessAlive}
	}

	d.metrics.LookupDuration.Observe(d.clock.Since(start).Seconds())
	switch {
	case errors.Is(err, types.ErrLookupTimeout):
		d.metrics.Lookups.WithLabelValues("timeout").Inc()
	case len(out) == 0:
		d.metrics.Lookups.WithLabelValues("empty").Inc()
	default:
		d.metrics.Lookups.WithLabelValues("ok").Inc()
	}
	log.Debug("查找完成", "target", target.ShortString(), "rounds", rounds, "found", len(out), "err", err)
	return out, err
}

// queryBatch 并发查询一批节点
func (d *DHT) queryBatch(ctx context.Context, target types.NodeID, batch []*candidate) []queryResult {
	results := make([]queryResult, len(batch))
	var g errgroup.Group
	if d.cfg.Alpha > 0 {
		g.SetLimit(d.cfg.Alpha)
	}

	for i, c := range batch {
		i, c := i, c
		c.queried = true
		g.Go(func() error {
			closer, err := d.net.FindNode(ctx, c.info, target)
			results[i] = queryResult{c: c, closer: closer, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
