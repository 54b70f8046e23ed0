package dht

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

func newTestTable(t *testing.T) (*RoutingTable, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	return NewRoutingTable(types.RandomNodeID(), config.DefaultDHTConfig(), clk), clk
}

// fillBucket 向桶 i 插入 n 个节点，每次插入间隔 1 秒
func fillBucket(t *testing.T, rt *RoutingTable, clk *clock.Mock, i, n int) []types.NodeID {
	t.Helper()
	ids := make([]types.NodeID, 0, n)
	for j := 0; j < n; j++ {
		id := rt.RandomIDInBucket(i)
		require.True(t, rt.Insert(context.Background(), types.PeerRecord{ID: id, Addrs: []string{"mem/1"}}))
		ids = append(ids, id)
		clk.Add(time.Second)
	}
	return ids
}

func TestRandomIDInBucket(t *testing.T) {
	self := types.RandomNodeID()
	for _, i := range []int{0, 1, 7, 8, 9, 100, 254, 255} {
		for j := 0; j < 10; j++ {
			assert.Equal(t, i, self.CommonPrefixLen(RandomIDInBucket(self, i)), "bucket %d", i)
		}
	}
}

func TestRoutingTable_BucketInvariants(t *testing.T) {
	rt, _ := newTestTable(t)
	ctx := context.Background()

	// 随机 ID 几乎全部落入前几个桶，足以把它们填满
	for i := 0; i < 2000; i++ {
		rt.Insert(ctx, types.PeerRecord{ID: types.RandomNodeID(), Addrs: []string{"mem/1"}})
	}
	for i := 0; i < 30; i++ {
		for j := 0; j < 25; j++ {
			rt.Insert(ctx, types.PeerRecord{ID: rt.RandomIDInBucket(i)})
		}
	}

	for i := 0; i < NumBuckets; i++ {
		peers := rt.BucketPeers(i)
		assert.LessOrEqual(t, len(peers), rt.k, "bucket %d over capacity", i)
		for _, p := range peers {
			assert.Equal(t, i, rt.Self().CommonPrefixLen(p.ID), "bucket %d holds wrong peer", i)
		}
	}
	assert.Len(t, rt.BucketPeers(0), rt.k)

	// 自身不入表
	assert.False(t, rt.Insert(ctx, types.PeerRecord{ID: rt.Self()}))
}

func TestRoutingTable_InsertExistingMovesToBack(t *testing.T) {
	rt, clk := newTestTable(t)
	ids := fillBucket(t, rt, clk, 0, 3)

	require.True(t, rt.Insert(context.Background(), types.PeerRecord{ID: ids[0], Addrs: []string{"mem/9"}}))

	peers := rt.BucketPeers(0)
	require.Len(t, peers, 3)
	assert.Equal(t, ids[0], peers[2].ID)
	assert.Equal(t, []string{"mem/9", "mem/1"}, peers[2].Addrs)
}

func TestRoutingTable_FullBucketEvictsOnProbeFailure(t *testing.T) {
	rt, clk := newTestTable(t)
	ctrl := gomock.NewController(t)
	prober := NewMockProber(ctrl)
	rt.SetProber(prober)

	ids := fillBucket(t, rt, clk, 0, rt.k)
	newcomer := rt.RandomIDInBucket(0)

	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec types.PeerRecord) error {
			assert.Equal(t, ids[0], rec.ID, "应探测最久未见的节点")
			return errors.New("timeout")
		})

	assert.True(t, rt.Insert(context.Background(), types.PeerRecord{ID: newcomer}))

	_, ok := rt.Get(ids[0])
	assert.False(t, ok)
	_, ok = rt.Get(newcomer)
	assert.True(t, ok)
	assert.Len(t, rt.BucketPeers(0), rt.k)
}

func TestRoutingTable_FullBucketKeepsLiveOldest(t *testing.T) {
	rt, clk := newTestTable(t)
	ctrl := gomock.NewController(t)
	prober := NewMockProber(ctrl)
	rt.SetProber(prober)

	ids := fillBucket(t, rt, clk, 0, rt.k)
	newcomer := rt.RandomIDInBucket(0)

	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(nil)

	assert.False(t, rt.Insert(context.Background(), types.PeerRecord{ID: newcomer}))

	_, ok := rt.Get(newcomer)
	assert.False(t, ok)

	// 探测成功的旧节点移到桶尾
	peers := rt.BucketPeers(0)
	assert.Equal(t, ids[0], peers[len(peers)-1].ID)
	assert.Equal(t, ids[1], peers[0].ID)
}

func TestRoutingTable_FullBucketCallerDone(t *testing.T) {
	rt, clk := newTestTable(t)
	ctrl := gomock.NewController(t)
	// 调用方已放弃时不探测
	rt.SetProber(NewMockProber(ctrl))

	ids := fillBucket(t, rt, clk, 3, rt.k)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, rt.Insert(ctx, types.PeerRecord{ID: rt.RandomIDInBucket(3)}))
	_, ok := rt.Get(ids[0])
	assert.True(t, ok)
	assert.Len(t, rt.BucketPeers(3), rt.k)
}

func TestRoutingTable_FullBucketIgnoresCallerCancel(t *testing.T) {
	rt, clk := newTestTable(t)
	ids := fillBucket(t, rt, clk, 3, rt.k)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 在线节点：只有探测自身的 ctx 结束才失败
	rt.SetProber(ProberFunc(func(probeCtx context.Context, _ types.PeerRecord) error {
		cancel()
		_, hasDeadline := probeCtx.Deadline()
		assert.True(t, hasDeadline, "探测应有超时")
		return probeCtx.Err()
	}))

	assert.False(t, rt.Insert(ctx, types.PeerRecord{ID: rt.RandomIDInBucket(3)}))
	_, ok := rt.Get(ids[0])
	assert.True(t, ok, "调用方取消不应驱逐在线节点")
}

func TestRoutingTable_FullBucketAfterClose(t *testing.T) {
	rt, clk := newTestTable(t)
	ids := fillBucket(t, rt, clk, 3, rt.k)

	base, cancel := context.WithCancel(context.Background())
	rt.SetContext(base)
	cancel()

	rt.SetProber(ProberFunc(func(probeCtx context.Context, _ types.PeerRecord) error {
		return probeCtx.Err()
	}))

	assert.False(t, rt.Insert(context.Background(), types.PeerRecord{ID: rt.RandomIDInBucket(3)}))
	_, ok := rt.Get(ids[0])
	assert.True(t, ok)
}

func TestRoutingTable_DeadReplacedWithoutProbe(t *testing.T) {
	rt, clk := newTestTable(t)
	ctrl := gomock.NewController(t)
	// 未设置期望，任何探测都会让测试失败
	rt.SetProber(NewMockProber(ctrl))

	ids := fillBucket(t, rt, clk, 0, rt.k)
	require.True(t, rt.MarkDead(ids[5]))

	newcomer := rt.RandomIDInBucket(0)
	assert.True(t, rt.Insert(context.Background(), types.PeerRecord{ID: newcomer}))

	_, ok := rt.Get(ids[5])
	assert.False(t, ok)
	assert.Len(t, rt.BucketPeers(0), rt.k)
}

func TestRoutingTable_MarkDeadGrace(t *testing.T) {
	rt, clk := newTestTable(t)
	ids := fillBucket(t, rt, clk, 0, 2)

	require.True(t, rt.MarkDead(ids[0]))

	rec, ok := rt.Get(ids[0])
	require.True(t, ok, "宽限期内仍保留记录")
	assert.Equal(t, types.LivenessDead, rec.State)
	assert.Equal(t, 1, rt.Size())
	for _, p := range rt.ClosestTo(ids[0], 10) {
		assert.NotEqual(t, ids[0], p.ID)
	}

	clk.Add(rt.cfg.DeadGrace / 2)
	assert.Equal(t, 0, rt.Sweep())

	clk.Add(rt.cfg.DeadGrace)
	assert.Equal(t, 1, rt.Sweep())
	_, ok = rt.Get(ids[0])
	assert.False(t, ok)
}

func TestRoutingTable_RecordFailure(t *testing.T) {
	rt, clk := newTestTable(t)
	ids := fillBucket(t, rt, clk, 3, 1)
	id := ids[0]

	for i := 1; i < rt.cfg.MaxFailures; i++ {
		assert.False(t, rt.RecordFailure(id))
		rec, _ := rt.Get(id)
		assert.Equal(t, types.LivenessStale, rec.State)
		assert.Equal(t, i, rec.Failures)
	}
	assert.True(t, rt.RecordFailure(id))
	rec, _ := rt.Get(id)
	assert.Equal(t, types.LivenessDead, rec.State)

	// 成功交互恢复为 alive
	require.True(t, rt.RecordSuccess(id))
	rec, _ = rt.Get(id)
	assert.Equal(t, types.LivenessAlive, rec.State)
	assert.Zero(t, rec.Failures)
}

func TestRoutingTable_SweepDemotesStale(t *testing.T) {
	rt, clk := newTestTable(t)
	ids := fillBucket(t, rt, clk, 0, 1)

	clk.Add(rt.cfg.StaleAfter + time.Second)
	rt.Sweep()

	rec, _ := rt.Get(ids[0])
	assert.Equal(t, types.LivenessStale, rec.State)
	assert.Equal(t, 1, rt.Size())
}

func TestRoutingTable_ClosestTo(t *testing.T) {
	rt, _ := newTestTable(t)
	ctx := context.Background()

	var all []types.NodeID
	for i := 0; i < 60; i++ {
		id := rt.RandomIDInBucket(i % 12)
		if rt.Insert(ctx, types.PeerRecord{ID: id}) {
			all = append(all, id)
		}
	}

	target := types.RandomNodeID()
	sort.Slice(all, func(i, j int) bool {
		return CompareDistance(target, all[i], all[j]) < 0
	})

	got := rt.ClosestTo(target, 10)
	require.Len(t, got, 10)
	for i, p := range got {
		assert.Equal(t, all[i], p.ID, "position %d", i)
	}

	assert.Len(t, rt.ClosestTo(target, 1000), len(all))
	assert.Empty(t, rt.ClosestTo(target, 0))
}

func TestRoutingTable_StaleBuckets(t *testing.T) {
	rt, clk := newTestTable(t)
	fillBucket(t, rt, clk, 4, 1)

	assert.Empty(t, rt.StaleBuckets(time.Minute))

	clk.Add(2 * time.Minute)
	stale := rt.StaleBuckets(time.Minute)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, stale)

	rt.MarkRefreshed(2)
	assert.NotContains(t, rt.StaleBuckets(time.Minute), 2)
}

func TestRoutingTable_Restore(t *testing.T) {
	rt, _ := newTestTable(t)
	id := rt.RandomIDInBucket(2)
	n := rt.Restore([]types.PeerRecord{
		{ID: id, Addrs: []string{"10.0.0.1:4001"}, LastSeen: time.Unix(100, 0)},
		{ID: rt.RandomIDInBucket(3)}, // 无地址，忽略
		{ID: rt.Self(), Addrs: []string{"x"}},
	})
	assert.Equal(t, 1, n)

	rec, ok := rt.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.LivenessStale, rec.State)
	assert.Equal(t, time.Unix(100, 0), rec.LastSeen)
}
