package peerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

func TestStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(config.StorageConfig{DataDir: dir})
	require.NoError(t, err)

	a, b := types.RandomNodeID(), types.RandomNodeID()
	seen := time.Unix(1700000000, 42)
	require.NoError(t, s.Save([]types.PeerRecord{
		{ID: a, Addrs: []string{"10.0.0.1:4001", "10.0.0.2:4001"}, LastSeen: seen},
		{ID: b, Addrs: []string{"10.0.0.3:4001"}, LastSeen: seen},
		{ID: types.RandomNodeID()}, // 无地址，不保存
	}))
	require.NoError(t, s.Close())

	// 重新打开后数据仍在
	s, err = Open(config.StorageConfig{DataDir: dir})
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.Load()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byID := map[types.NodeID]types.PeerRecord{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	assert.Equal(t, []string{"10.0.0.1:4001", "10.0.0.2:4001"}, byID[a].Addrs)
	assert.True(t, seen.Equal(byID[a].LastSeen))
	assert.Equal(t, types.LivenessStale, byID[b].State)
}

func TestStore_SaveReplaces(t *testing.T) {
	s, err := Open(config.StorageConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	a := types.RandomNodeID()
	require.NoError(t, s.Save([]types.PeerRecord{{ID: a, Addrs: []string{"x:1"}}}))
	require.NoError(t, s.Save([]types.PeerRecord{{ID: types.RandomNodeID(), Addrs: []string{"y:1"}}}))

	recs, err := s.Load()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEqual(t, a, recs[0].ID)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(config.StorageConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Save(nil), ErrClosed)
}

func TestOpen_EmptyDir(t *testing.T) {
	_, err := Open(config.StorageConfig{})
	assert.Error(t, err)
}
