package gossipsub

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

func newTestMesh(t *testing.T, tweaks ...func(*config.GossipConfig)) (*MeshManager, *clock.Mock) {
	t.Helper()
	cfg := config.DefaultGossipConfig()
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	clk := clock.NewMock()
	return NewMeshManager(cfg, clk), clk
}

// addTopicPeers 添加 n 个已订阅 topic 的 peer
func addTopicPeers(mm *MeshManager, n int, topics ...string) []types.NodeID {
	peers := make([]types.NodeID, n)
	for i := range peers {
		peers[i] = types.RandomNodeID()
		mm.AddPeer(peers[i])
		for _, topic := range topics {
			mm.SetPeerTopic(peers[i], topic, true)
		}
	}
	return peers
}

func TestMeshManager_JoinLeave(t *testing.T) {
	mm, _ := newTestMesh(t)

	assert.Equal(t, TopicUnsubscribed, mm.TopicState("x"))
	assert.True(t, mm.Join("x"))
	assert.False(t, mm.Join("x"))
	assert.Equal(t, TopicSubscribedNoMesh, mm.TopicState("x"))

	peers := addTopicPeers(mm, 3, "x")
	res := mm.HeartbeatMaintenance()
	assert.ElementsMatch(t, peers, res.Grafts["x"])
	assert.Equal(t, TopicMeshed, mm.TopicState("x"))

	pruned := mm.Leave("x")
	assert.ElementsMatch(t, peers, pruned)
	assert.Equal(t, TopicUnsubscribed, mm.TopicState("x"))
	assert.Empty(t, mm.MeshPeers("x"))
	assert.Nil(t, mm.Leave("x"))
}

func TestMeshManager_HeartbeatConverges(t *testing.T) {
	mm, _ := newTestMesh(t)
	mm.Join("x")

	// 候选不足 Dlo 时报告缺口
	addTopicPeers(mm, 2, "x")
	res := mm.HeartbeatMaintenance()
	assert.Len(t, res.Grafts["x"], 2)
	assert.Equal(t, 2, res.Shortfall["x"])

	addTopicPeers(mm, 20, "x")
	for i := 0; i < 5; i++ {
		mm.HeartbeatMaintenance()
		size := len(mm.MeshPeers("x"))
		assert.GreaterOrEqual(t, size, 4)
		assert.LessOrEqual(t, size, 12)
	}
	res = mm.HeartbeatMaintenance()
	assert.Empty(t, res.Shortfall)
}

func TestMeshManager_GraftPrefersFewerMemberships(t *testing.T) {
	mm, _ := newTestMesh(t, func(c *config.GossipConfig) {
		c.D, c.Dlo = 4, 4
	})
	mm.Join("x")

	busy := addTopicPeers(mm, 4, "x", "a", "b", "c")
	idle := addTopicPeers(mm, 4, "x")

	res := mm.HeartbeatMaintenance()
	assert.ElementsMatch(t, idle, res.Grafts["x"])
	for _, p := range busy {
		assert.False(t, mm.IsPeerInMesh(p, "x"))
	}
}

func TestMeshManager_JoinKeepsFanoutAsCandidates(t *testing.T) {
	mm, _ := newTestMesh(t)
	addTopicPeers(mm, 10, "x")

	fanout := mm.FanoutPeers("x")
	require.Len(t, fanout, 6)

	mm.Join("x")
	res := mm.HeartbeatMaintenance()
	assert.ElementsMatch(t, fanout, res.Grafts["x"])
}

func TestMeshManager_PruneLowestContribution(t *testing.T) {
	mm, clk := newTestMesh(t)
	mm.Join("x")
	peers := addTopicPeers(mm, 13, "x")
	for _, p := range peers {
		require.True(t, mm.Graft(p, "x"))
	}

	contributors := peers[:6]
	for _, p := range contributors {
		mm.AddContribution(p, "x")
		mm.AddContribution(p, "x")
	}

	res := mm.HeartbeatMaintenance()
	require.Len(t, res.Prunes["x"], 7)
	assert.ElementsMatch(t, contributors, mm.MeshPeers("x"))
	for _, p := range contributors {
		assert.Equal(t, 1.0, mm.Contribution(p, "x"), "贡献值每个心跳减半")
	}

	// 被裁剪的 peer 在退避期内不能重新 GRAFT
	pruned := res.Prunes["x"][0]
	assert.False(t, mm.Graft(pruned, "x"))
	clk.Add(time.Minute + time.Second)
	assert.True(t, mm.Graft(pruned, "x"))
}

func TestMeshManager_Graft(t *testing.T) {
	mm, _ := newTestMesh(t)
	peer := types.RandomNodeID()

	// 未订阅
	mm.AddPeer(peer)
	assert.False(t, mm.Graft(peer, "x"))

	// 未连接
	mm.Join("x")
	assert.False(t, mm.Graft(types.RandomNodeID(), "x"))

	// GRAFT 隐含订阅
	assert.True(t, mm.Graft(peer, "x"))
	assert.Contains(t, mm.PeersInTopic("x"), peer)

	mm.Prune(peer, "x", time.Minute)
	assert.False(t, mm.IsPeerInMesh(peer, "x"))
	assert.False(t, mm.Graft(peer, "x"))
}

func TestMeshManager_RemovePeer(t *testing.T) {
	mm, _ := newTestMesh(t)
	mm.Join("x")
	mm.Join("y")
	peers := addTopicPeers(mm, 3, "x", "y", "z")
	mm.HeartbeatMaintenance()
	fanout := mm.FanoutPeers("z")
	require.Len(t, fanout, 3)

	topics := mm.RemovePeer(peers[0])
	assert.ElementsMatch(t, []string{"x", "y"}, topics)
	assert.False(t, mm.HasPeer(peers[0]))
	assert.NotContains(t, mm.AllMeshPeers(), peers[0])
	assert.NotContains(t, mm.FanoutPeers("z"), peers[0])
}

func TestMeshManager_UnsubscribeRemovesFromMesh(t *testing.T) {
	mm, _ := newTestMesh(t)
	mm.Join("x")
	peers := addTopicPeers(mm, 2, "x")
	mm.HeartbeatMaintenance()

	mm.SetPeerTopic(peers[0], "x", false)
	assert.False(t, mm.IsPeerInMesh(peers[0], "x"))
	assert.NotContains(t, mm.PeersInTopic("x"), peers[0])
}

func TestMeshManager_Fanout(t *testing.T) {
	mm, clk := newTestMesh(t)
	addTopicPeers(mm, 3, "x")

	first := mm.FanoutPeers("x")
	assert.Len(t, first, 3)

	// 新 peer 补充到 D
	more := addTopicPeers(mm, 5, "x")
	second := mm.FanoutPeers("x")
	assert.Len(t, second, 6)
	assert.Subset(t, second, first)
	_ = more

	clk.Add(61 * time.Second)
	mm.CleanupFanout()
	mm.mu.RLock()
	_, ok := mm.fanout["x"]
	mm.mu.RUnlock()
	assert.False(t, ok)
}

func TestMeshManager_PublishPeers(t *testing.T) {
	mm, _ := newTestMesh(t)
	peers := addTopicPeers(mm, 8, "x")

	// 网格为空时从主题 peers 选取
	mm.Join("x")
	assert.Len(t, mm.PublishPeers("x"), 6)

	require.True(t, mm.Graft(peers[0], "x"))
	assert.Equal(t, []types.NodeID{peers[0]}, mm.PublishPeers("x"))
}

func TestMeshManager_SelectGossipPeers(t *testing.T) {
	mm, _ := newTestMesh(t, func(c *config.GossipConfig) {
		c.D, c.Dlo, c.Dlazy = 2, 2, 3
	})
	mm.Join("x")
	addTopicPeers(mm, 10, "x")
	mm.HeartbeatMaintenance()

	mesh := mm.MeshPeers("x")
	gossip := mm.SelectGossipPeers("x")
	assert.Len(t, gossip, 3)
	for _, p := range gossip {
		assert.NotContains(t, mesh, p)
	}
	assert.Nil(t, mm.SelectGossipPeers("unknown"))
}

func TestTopicState_String(t *testing.T) {
	for state, want := range map[TopicState]string{
		TopicUnsubscribed:     "unsubscribed",
		TopicSubscribedNoMesh: "subscribed-no-mesh",
		TopicMeshed:           "meshed",
		TopicState(9):         "unknown",
	} {
		assert.Equal(t, want, state.String(), fmt.Sprint(int(state)))
	}
}
