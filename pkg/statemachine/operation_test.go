package statemachine

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/lexis/pkg/cluster"
	"github.com/cuemby/lexis/pkg/lock"
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

func bootstrappedCluster(t *testing.T, nodeID string) *cluster.Manager {
	t.Helper()
	m, err := cluster.NewManager(cluster.Config{NodeID: nodeID, BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap())
	t.Cleanup(func() { m.Shutdown() })
	require.Eventually(t, m.IsLeader, time.Second, 5*time.Millisecond, "cluster never became leader")
	return m
}

type stubFetcher struct {
	peer *cluster.Manager
}

func (f *stubFetcher) FetchMetadata(string) ([]byte, error) {
	return f.peer.SnapshotBytes()
}

func TestNewNodeJoinOp_AppliesPeerSnapshotAndMarksJoined(t *testing.T) {
	peer := bootstrappedCluster(t, "peer")
	require.NoError(t, peer.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeAssignShard, ShardID: "shard-0", TargetNode: "peer", Load: 5,
	}))

	joiner, err := cluster.NewManager(cluster.Config{NodeID: "joiner", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, err)

	sm := New("joiner", &recordingSender{})
	op := NewNewNodeJoinOp(sm.NextOperationID(), "peer", joiner, &stubFetcher{peer: peer}, sm)

	require.NoError(t, op.Run())
	assert.True(t, op.Done())
	assert.True(t, sm.Joined())

	assignment, ok := joiner.Readview().Shard("shard-0")
	require.True(t, ok)
	assert.Equal(t, "peer", assignment.AssignedNode)
}

func TestNewNodeJoinOp_FlushesBouncedNotificationsOnceJoined(t *testing.T) {
	peer := bootstrappedCluster(t, "peer")
	joiner, err := cluster.NewManager(cluster.Config{NodeID: "joiner", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, err)

	sender := &recordingSender{}
	sm := New("joiner", sender)
	sm.Dispatch(Notification{Kind: KindSearch, From: "joiner-op", To: "other-op", Bounced: true})

	op := NewNewNodeJoinOp(sm.NextOperationID(), "peer", joiner, &stubFetcher{peer: peer}, sm)
	require.NoError(t, op.Run())

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Bounced)
	assert.Equal(t, OperationID("other-op"), sent[0].To)
}

type stubMigrator struct {
	shardID    string
	targetNode string
	err        error
}

func (m *stubMigrator) StreamShard(shardID, targetNode string) error {
	m.shardID = shardID
	m.targetNode = targetNode
	return m.err
}

func TestShardMoveOp_CommitsTransferAfterStreamingAndReleasesLock(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeAssignShard, ShardID: "shard-0", TargetNode: "node-1",
	}))

	locks := lock.New()
	mig := &stubMigrator{}
	op := NewShardMoveOp("node-1#1", "shard-0", "node-1", "node-2", locks, cl, mig)

	require.NoError(t, op.Run())
	assert.True(t, op.Done())
	assert.Equal(t, "shard-0", mig.shardID)
	assert.Equal(t, "node-2", mig.targetNode)

	assignment, ok := cl.Readview().Shard("shard-0")
	require.True(t, ok)
	assert.Equal(t, "node-2", assignment.AssignedNode)

	// The shard lock must have been released, not left held.
	assert.True(t, locks.Acquire("someone-else", lock.Shard("shard-0"), lock.Exclusive, false))
}

func TestShardMoveOp_AbortReleasesLockOnStreamingFailure(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	locks := lock.New()
	mig := &stubMigrator{err: assertErr}

	op := NewShardMoveOp("node-1#1", "shard-0", "node-1", "node-2", locks, cl, mig)
	err := op.Run()
	require.Error(t, err)

	assert.True(t, locks.Acquire("someone-else", lock.Shard("shard-0"), lock.Exclusive, false))
}

func TestShardMoveOp_WaitingOnNodeReflectsTargetDuringStreaming(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	locks := lock.New()
	blocking := make(chan struct{})
	mig := &blockingMigrator{unblock: blocking}

	op := NewShardMoveOp("node-1#1", "shard-0", "node-1", "node-2", locks, cl, mig)
	done := make(chan struct{})
	go func() {
		op.Run()
		close(done)
	}()

	require.Eventually(t, func() bool { return op.WaitingOnNode("node-2") }, time.Second, 5*time.Millisecond)
	assert.False(t, op.WaitingOnNode("node-3"))

	close(blocking)
	<-done
}

type blockingMigrator struct {
	unblock chan struct{}
}

func (m *blockingMigrator) StreamShard(string, string) error {
	<-m.unblock
	return nil
}

var assertErr = &stubError{"streaming failed"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func TestLoadBalancingOp_SchedulesMoveWhenImbalanceExceedsThreshold(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeNodeJoin, Node: cluster.NodeDescriptor{ID: "node-2", State: cluster.NodeArrived},
	}))
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeAssignShard, ShardID: "shard-0", TargetNode: "node-1", Load: 100,
	}))
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeAssignShard, ShardID: "shard-1", TargetNode: "node-2", Load: 1,
	}))

	var scheduledShard, scheduledSrc, scheduledDst string
	op := NewLoadBalancingOp("node-1#1", cl, 10, func(shardID, src, dst string) {
		scheduledShard, scheduledSrc, scheduledDst = shardID, src, dst
	})
	op.Run()

	assert.Equal(t, "shard-0", scheduledShard)
	assert.Equal(t, "node-1", scheduledSrc)
	assert.Equal(t, "node-2", scheduledDst)
}

func TestLoadBalancingOp_DoesNothingWhenWithinThreshold(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeNodeJoin, Node: cluster.NodeDescriptor{ID: "node-2", State: cluster.NodeArrived},
	}))
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeAssignShard, ShardID: "shard-0", TargetNode: "node-1", Load: 5,
	}))
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeAssignShard, ShardID: "shard-1", TargetNode: "node-2", Load: 4,
	}))

	called := false
	op := NewLoadBalancingOp("node-1#1", cl, 10, func(string, string, string) { called = true })
	op.Run()

	assert.False(t, called)
}

func TestCommitMetadataChangeOp_AppliesChangeThroughCluster(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	op := NewCommitMetadataChangeOp("node-1#1", cl, cluster.MetadataChange{
		Kind: cluster.ChangeAssignShard, ShardID: "shard-9", TargetNode: "node-1",
	})

	require.NoError(t, op.Run())
	assert.True(t, op.Done())
	_, ok := cl.Readview().Shard("shard-9")
	assert.True(t, ok)
}

func TestLockAcquireOp_NonBlockingReportsGrantedOrDenied(t *testing.T) {
	locks := lock.New()
	require.True(t, locks.Acquire("holder", lock.Shard("s1"), lock.Exclusive, false))

	op := NewLockAcquireOp("node-1#1", locks, "requester", []lock.Request{
		{Resource: lock.Shard("s1"), Mode: lock.Shared},
	}, false)
	granted := op.Run()

	assert.False(t, granted)
	assert.False(t, op.Granted())
	assert.True(t, op.Done())
}

func TestLockAcquireOp_AbortReleasesWhatWasGranted(t *testing.T) {
	locks := lock.New()
	op := NewLockAcquireOp("node-1#1", locks, "requester", []lock.Request{
		{Resource: lock.Shard("s1"), Mode: lock.Exclusive},
	}, false)
	require.True(t, op.Run())

	require.NoError(t, op.Abort("shutdown"))
	assert.True(t, locks.Acquire("someone-else", lock.Shard("s1"), lock.Exclusive, false))
}

func TestLockReleaseOp_ReleasesWrappedResources(t *testing.T) {
	locks := lock.New()
	require.True(t, locks.Acquire("requester", lock.Shard("s1"), lock.Exclusive, false))

	op := NewLockReleaseOp("node-1#1", locks, "requester", []lock.ResourceID{lock.Shard("s1")})
	op.Run()

	assert.True(t, op.Done())
	assert.True(t, locks.Acquire("someone-else", lock.Shard("s1"), lock.Exclusive, false))
}

func TestClusterSaveOp_CompletesOnceEveryNodeAcks(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	require.NoError(t, cl.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeNodeJoin, Node: cluster.NodeDescriptor{ID: "node-2", State: cluster.NodeArrived},
	}))

	sender := &recordingSender{}
	op := NewClusterSaveOp("node-1#1", cl, sender, time.Second)

	done := make(chan error, 1)
	go func() { done <- op.Run() }()

	// Continuously ack every broadcast (save-data, then save-metadata)
	// as it arrives, on behalf of both nodes, until the op completes.
	stopAcking := make(chan struct{})
	go func() {
		acked := 0
		for {
			select {
			case <-stopAcking:
				return
			default:
			}
			sent := sender.sent()
			for _, n := range sent[acked:] {
				op.HandleNotification(Notification{Kind: KindSaveDataAck, From: n.To})
				op.HandleNotification(Notification{Kind: KindSaveMetadataAck, From: n.To})
			}
			acked = len(sent)
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stopAcking)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cluster save never completed despite every node acking")
	}
	assert.True(t, op.Done())
}

func TestClusterSaveOp_TimesOutWithoutAcks(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	sender := &recordingSender{}
	op := NewClusterSaveOp("node-1#1", cl, sender, 20*time.Millisecond)

	err := op.Run()
	assert.Error(t, err)
}

func TestClusterShutdownOp_BroadcastsShutdownAfterSaving(t *testing.T) {
	cl := bootstrappedCluster(t, "node-1")
	sender := &recordingSender{}
	op := NewClusterShutdownOp("node-1#1", cl, sender, time.Second)

	done := make(chan error, 1)
	go func() { done <- op.Run() }()

	stopAcking := make(chan struct{})
	go func() {
		acked := 0
		for {
			select {
			case <-stopAcking:
				return
			default:
			}
			sent := sender.sent()
			for _, n := range sent[acked:] {
				op.HandleNotification(Notification{Kind: KindSaveDataAck, From: n.To})
				op.HandleNotification(Notification{Kind: KindSaveMetadataAck, From: n.To})
			}
			acked = len(sent)
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stopAcking)

	require.NoError(t, <-done)

	var sawShutdown bool
	for _, n := range sender.sent() {
		if n.Kind == KindShutdown {
			sawShutdown = true
		}
	}
	assert.True(t, sawShutdown)
}
