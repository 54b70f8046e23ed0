package gossipsub

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

func TestFloodGuard_Cooldown(t *testing.T) {
	clk := clock.NewMock()
	g := newFloodGuard(1, 3, 10*time.Second, clk)
	peer := types.RandomNodeID()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Allow(peer))
	}
	assert.ErrorIs(t, g.Allow(peer), types.ErrRateLimited)
	assert.True(t, g.InCooldown(peer))

	// 冷却期内即使令牌已恢复也拒绝
	clk.Add(5 * time.Second)
	assert.ErrorIs(t, g.Allow(peer), types.ErrRateLimited)

	clk.Add(6 * time.Second)
	assert.False(t, g.InCooldown(peer))
	assert.NoError(t, g.Allow(peer))

	// 其他对端不受影响
	assert.NoError(t, g.Allow(types.RandomNodeID()))
}

func TestFloodGuard_Unlimited(t *testing.T) {
	g := newFloodGuard(0, 1, time.Second, clock.NewMock())
	peer := types.RandomNodeID()
	for i := 0; i < 1000; i++ {
		require.NoError(t, g.Allow(peer))
	}

	g.Forget(peer)
	assert.False(t, g.InCooldown(peer))
}

func TestLivenessTracker(t *testing.T) {
	lt := newLivenessTracker()
	quiet, active, flagged := types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID()
	peers := []types.NodeID{quiet, active, flagged}
	lt.Touch(quiet)

	assert.Empty(t, lt.Due(peers, 3))

	lt.Flag(flagged)
	assert.Equal(t, []types.NodeID{flagged}, lt.Due(peers, 3))

	for i := 0; i < 3; i++ {
		lt.Tick()
		lt.Touch(active)
	}
	assert.ElementsMatch(t, []types.NodeID{quiet, flagged}, lt.Due(peers, 3))

	assert.Equal(t, 1, lt.Failure(quiet))
	assert.Equal(t, 2, lt.Failure(quiet))
	lt.Success(flagged)
	lt.Touch(quiet)
	assert.Equal(t, []types.NodeID{quiet}, lt.Due(peers, 3), "失败计数未清零仍需探测")

	lt.Success(quiet)
	assert.Equal(t, 0, lt.Failures(quiet))
	assert.Empty(t, lt.Due(peers, 3))

	lt.Forget(quiet)
	assert.Equal(t, 0, lt.Failures(quiet))
}
