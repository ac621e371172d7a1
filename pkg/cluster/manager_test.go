package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func bootstrappedManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{NodeID: "node-1", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap())
	t.Cleanup(func() { m.Shutdown() })

	require.Eventually(t, m.IsLeader, time.Second, 5*time.Millisecond, "single-node cluster never became leader")
	return m
}

func TestBootstrap_SingleNodeBecomesLeader(t *testing.T) {
	m := bootstrappedManager(t)
	assert.True(t, m.IsLeader())
}

func TestCommitMetadataChange_NodeJoinIsVisibleInReadview(t *testing.T) {
	m := bootstrappedManager(t)

	err := m.CommitMetadataChange(MetadataChange{
		Kind: ChangeNodeJoin,
		Node: NodeDescriptor{ID: "node-2", Addr: "127.0.0.1:9999", State: NodeJoining},
	})
	require.NoError(t, err)

	rv := m.Readview()
	node, ok := rv.Node("node-2")
	require.True(t, ok)
	assert.Equal(t, NodeJoining, node.State)
}

func TestCommitMetadataChange_AssignThenTransferShard(t *testing.T) {
	m := bootstrappedManager(t)

	require.NoError(t, m.CommitMetadataChange(MetadataChange{
		Kind: ChangeAssignShard, ShardID: "shard-0", TargetNode: "node-1", Load: 10,
	}))
	rv := m.Readview()
	assignment, ok := rv.Shard("shard-0")
	require.True(t, ok)
	assert.Equal(t, "node-1", assignment.AssignedNode)

	require.NoError(t, m.CommitMetadataChange(MetadataChange{
		Kind: ChangeTransferShard, ShardID: "shard-0", TargetNode: "node-2",
	}))
	rv = m.Readview()
	assignment, ok = rv.Shard("shard-0")
	require.True(t, ok)
	assert.Equal(t, "node-2", assignment.AssignedNode)
}

func TestReadview_IsAConsistentSnapshotAcrossSubsequentCommits(t *testing.T) {
	m := bootstrappedManager(t)

	require.NoError(t, m.CommitMetadataChange(MetadataChange{
		Kind: ChangeAssignShard, ShardID: "shard-0", TargetNode: "node-1",
	}))
	captured := m.Readview()

	require.NoError(t, m.CommitMetadataChange(MetadataChange{
		Kind: ChangeAssignShard, ShardID: "shard-1", TargetNode: "node-1",
	}))

	_, ok := captured.Shard("shard-1")
	assert.False(t, ok, "a previously captured readview must not observe a later commit")

	fresh := m.Readview()
	_, ok = fresh.Shard("shard-1")
	assert.True(t, ok)
}

func TestSaveLoadMetadata_RoundTripsWriteview(t *testing.T) {
	m := bootstrappedManager(t)
	require.NoError(t, m.CommitMetadataChange(MetadataChange{
		Kind: ChangeAssignShard, ShardID: "shard-0", TargetNode: "node-1", Load: 3,
	}))
	require.NoError(t, m.SaveMetadata())

	require.NoError(t, m.LoadMetadata())
	rv := m.Readview()
	assignment, ok := rv.Shard("shard-0")
	require.True(t, ok)
	assert.Equal(t, 3, assignment.Load)
}

func TestUnassignShard_RemovesAssignment(t *testing.T) {
	m := bootstrappedManager(t)
	require.NoError(t, m.CommitMetadataChange(MetadataChange{
		Kind: ChangeAssignShard, ShardID: "shard-0", TargetNode: "node-1",
	}))
	require.NoError(t, m.CommitMetadataChange(MetadataChange{
		Kind: ChangeUnassignShard, ShardID: "shard-0",
	}))

	_, ok := m.Readview().Shard("shard-0")
	assert.False(t, ok)
}
