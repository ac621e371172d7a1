package statemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/lexis/pkg/cluster"
	"github.com/cuemby/lexis/pkg/lock"
	"github.com/cuemby/lexis/pkg/metrics"
)

// PeerMetadataFetcher requests a snapshot of the writeview from a
// running peer. pkg/migration's PeerFetcher implements this over a
// live transport connection; it is the NewNodeJoin-before-raft-voter
// bootstrap spec.md §4.7 describes.
type PeerMetadataFetcher interface {
	FetchMetadata(peerNode string) ([]byte, error)
}

// NewNodeJoinOp implements NewNodeJoin (spec.md §4.7): request a
// peer's metadata, apply it locally, then mark the node joined and
// flush whatever notifications were bounced while it was not.
type NewNodeJoinOp struct {
	id      OperationID
	peer    string
	cluster *cluster.Manager
	fetcher PeerMetadataFetcher
	sm      *StateMachine

	mu     sync.Mutex
	joined bool
	err    error
}

// NewNewNodeJoinOp constructs a NewNodeJoin operation targeting peer.
func NewNewNodeJoinOp(id OperationID, peer string, cl *cluster.Manager, fetcher PeerMetadataFetcher, sm *StateMachine) *NewNodeJoinOp {
	return &NewNodeJoinOp{id: id, peer: peer, cluster: cl, fetcher: fetcher, sm: sm}
}

func (o *NewNodeJoinOp) ID() OperationID { return o.id }
func (o *NewNodeJoinOp) Kind() string    { return "new_node_join" }

// Run fetches the peer's writeview snapshot, applies it, and marks the
// owning state machine joined. Once joined, it immediately resends
// every bounced notification the state machine queued while unjoined.
func (o *NewNodeJoinOp) Run() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, o.Kind())

	data, err := o.fetcher.FetchMetadata(o.peer)
	if err != nil {
		o.fail(fmt.Errorf("statemachine: new node join failed to fetch metadata from %s: %w", o.peer, err))
		return o.err
	}
	if err := o.cluster.ApplySnapshotBytes(data); err != nil {
		o.fail(fmt.Errorf("statemachine: new node join failed to apply metadata: %w", err))
		return o.err
	}

	o.mu.Lock()
	o.joined = true
	o.mu.Unlock()
	o.sm.SetJoined(true)
	o.sm.retryRound()
	return nil
}

func (o *NewNodeJoinOp) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *NewNodeJoinOp) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.joined || o.err != nil
}

func (o *NewNodeJoinOp) HandleNotification(Notification) error { return nil }

func (o *NewNodeJoinOp) Abort(code string) error {
	o.fail(fmt.Errorf("statemachine: new node join aborted: %s", code))
	return nil
}

// shardMoveState is ShardMoveOp's FSA position.
type shardMoveState int

const (
	shardMoveLocking shardMoveState = iota
	shardMoveStreaming
	shardMoveCommitting
	shardMoveDone
	shardMoveAborted
)

// Migrator streams one shard's data to a destination node.
// pkg/migration implements this over pkg/transport.
type Migrator interface {
	StreamShard(shardID, targetNode string) error
}

// ShardMoveOp implements the source side of ShardMove (spec.md §4.7):
// lock the shard, instruct the migration manager to stream it,
// commit the new assignment, release the lock.
type ShardMoveOp struct {
	id         OperationID
	shardID    string
	sourceNode string
	targetNode string
	locks      *lock.Manager
	cluster    *cluster.Manager
	migrator   Migrator

	mu    sync.Mutex
	state shardMoveState
	err   error
}

// NewShardMoveOp constructs a ShardMove operation moving shardID from
// sourceNode to targetNode.
func NewShardMoveOp(id OperationID, shardID, sourceNode, targetNode string, locks *lock.Manager, cl *cluster.Manager, mig Migrator) *ShardMoveOp {
	return &ShardMoveOp{
		id: id, shardID: shardID, sourceNode: sourceNode, targetNode: targetNode,
		locks: locks, cluster: cl, migrator: mig, state: shardMoveLocking,
	}
}

func (o *ShardMoveOp) ID() OperationID { return o.id }
func (o *ShardMoveOp) Kind() string    { return "shard_move" }

// Run drives the FSA to completion or failure: lock, stream, commit,
// unlock. The lock is always released via defer once acquired, even
// on a failure partway through streaming or committing.
func (o *ShardMoveOp) Run() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, o.Kind())

	lockOp := lock.OperationID(o.id)
	if !o.locks.Acquire(lockOp, lock.Shard(o.shardID), lock.Exclusive, true) {
		o.fail(fmt.Errorf("statemachine: shard move failed to lock shard %s", o.shardID))
		return o.err
	}
	defer o.locks.Release(lockOp, lock.Shard(o.shardID))

	o.setState(shardMoveStreaming)
	if err := o.migrator.StreamShard(o.shardID, o.targetNode); err != nil {
		o.fail(fmt.Errorf("statemachine: shard move streaming failed: %w", err))
		return o.err
	}

	o.setState(shardMoveCommitting)
	if err := o.cluster.CommitMetadataChange(cluster.MetadataChange{
		Kind: cluster.ChangeTransferShard, ShardID: o.shardID, TargetNode: o.targetNode,
	}); err != nil {
		o.fail(fmt.Errorf("statemachine: shard move failed to commit transfer: %w", err))
		return o.err
	}

	o.setState(shardMoveDone)
	return nil
}

func (o *ShardMoveOp) setState(s shardMoveState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *ShardMoveOp) fail(err error) {
	o.mu.Lock()
	o.state = shardMoveAborted
	o.err = err
	o.mu.Unlock()
}

func (o *ShardMoveOp) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == shardMoveDone || o.state == shardMoveAborted
}

func (o *ShardMoveOp) HandleNotification(Notification) error { return nil }

// Abort releases every lock this operation holds and marks it failed,
// satisfying spec.md §5's "abort must release all locks the operation
// held."
func (o *ShardMoveOp) Abort(code string) error {
	o.locks.ReleaseAll(lock.OperationID(o.id))
	o.fail(fmt.Errorf("statemachine: shard move aborted: %s", code))
	return nil
}

// WaitingOnNode reports whether this move is currently streaming to
// nodeID, so NotifyNodeFailure only aborts moves the failed node
// actually affects.
func (o *ShardMoveOp) WaitingOnNode(nodeID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == shardMoveStreaming && nodeID == o.targetNode
}

// LoadBalancingOp implements LoadBalancingStart (spec.md §4.7): probe
// every node's load via the cluster readview and schedule a ShardMove
// from the busiest node to the idlest one if the spread exceeds
// Threshold. Mirrors the probe-then-threshold-then-act pattern the
// teacher's scheduler documents for its own balancing loop.
type LoadBalancingOp struct {
	id        OperationID
	cluster   *cluster.Manager
	threshold int
	schedule  func(shardID, sourceNode, targetNode string)
}

// NewLoadBalancingOp constructs a LoadBalancingStart round. schedule is
// invoked with the shard to move when imbalance exceeds threshold.
func NewLoadBalancingOp(id OperationID, cl *cluster.Manager, threshold int, schedule func(shardID, sourceNode, targetNode string)) *LoadBalancingOp {
	return &LoadBalancingOp{id: id, cluster: cl, threshold: threshold, schedule: schedule}
}

func (o *LoadBalancingOp) ID() OperationID              { return o.id }
func (o *LoadBalancingOp) Kind() string                 { return "load_balancing" }
func (o *LoadBalancingOp) Done() bool                   { return true }
func (o *LoadBalancingOp) HandleNotification(Notification) error { return nil }
func (o *LoadBalancingOp) Abort(string) error           { return nil }

// Run probes every node's aggregate shard load and, if the busiest
// node's load exceeds the idlest by more than the threshold, schedules
// one shard move from busiest to idlest.
func (o *LoadBalancingOp) Run() {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, o.Kind())

	rv := o.cluster.Readview()
	loadByNode := make(map[string]int)
	shardsByNode := make(map[string][]string)
	for _, s := range rv.Shards() {
		loadByNode[s.AssignedNode] += s.Load
		shardsByNode[s.AssignedNode] = append(shardsByNode[s.AssignedNode], s.ShardID)
	}
	if len(loadByNode) < 2 {
		return
	}

	var busiest, idlest string
	for node, load := range loadByNode {
		if busiest == "" || load > loadByNode[busiest] {
			busiest = node
		}
		if idlest == "" || load < loadByNode[idlest] {
			idlest = node
		}
	}
	if loadByNode[busiest]-loadByNode[idlest] <= o.threshold {
		return
	}
	shards := shardsByNode[busiest]
	if len(shards) == 0 {
		return
	}
	o.schedule(shards[0], busiest, idlest)
}

// CommitMetadataChangeOp is a thin operation wrapper around
// cluster.Manager.CommitMetadataChange, so metadata changes flow
// through the same dispatch/metrics path as every other operation.
type CommitMetadataChangeOp struct {
	id      OperationID
	cluster *cluster.Manager
	change  cluster.MetadataChange
	done    bool
	err     error
}

// NewCommitMetadataChangeOp wraps change as an operation.
func NewCommitMetadataChangeOp(id OperationID, cl *cluster.Manager, change cluster.MetadataChange) *CommitMetadataChangeOp {
	return &CommitMetadataChangeOp{id: id, cluster: cl, change: change}
}

func (o *CommitMetadataChangeOp) ID() OperationID              { return o.id }
func (o *CommitMetadataChangeOp) Kind() string                 { return "commit_metadata_change" }
func (o *CommitMetadataChangeOp) Done() bool                   { return o.done }
func (o *CommitMetadataChangeOp) HandleNotification(Notification) error { return nil }

func (o *CommitMetadataChangeOp) Abort(string) error {
	o.done = true
	return nil
}

// Run commits the wrapped change through raft, invalidating the
// readview on success (spec.md §4.7).
func (o *CommitMetadataChangeOp) Run() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, o.Kind())
	err := o.cluster.CommitMetadataChange(o.change)
	o.done = true
	o.err = err
	return err
}

// LockAcquireOp wraps lock.Manager.AcquireBatch as a dispatchable
// operation, implementing LockAcquire (spec.md §4.7): a blocking batch
// enqueues until granted; a non-blocking batch grants or denies
// atomically.
type LockAcquireOp struct {
	id       OperationID
	locks    *lock.Manager
	target   lock.OperationID
	reqs     []lock.Request
	blocking bool

	mu      sync.Mutex
	done    bool
	granted bool
}

// NewLockAcquireOp constructs a LockAcquire operation acquiring reqs
// on behalf of target (typically another operation's id, so Release
// or ReleaseAll can later be issued against the same lock.OperationID).
func NewLockAcquireOp(id OperationID, locks *lock.Manager, target lock.OperationID, reqs []lock.Request, blocking bool) *LockAcquireOp {
	return &LockAcquireOp{id: id, locks: locks, target: target, reqs: reqs, blocking: blocking}
}

func (o *LockAcquireOp) ID() OperationID { return o.id }
func (o *LockAcquireOp) Kind() string    { return "lock_acquire" }

// Granted reports whether the batch was (eventually) granted.
func (o *LockAcquireOp) Granted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.granted
}

func (o *LockAcquireOp) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *LockAcquireOp) HandleNotification(Notification) error { return nil }

// Abort releases everything target held, in case the batch was
// granted but the owning higher-level operation is being torn down.
func (o *LockAcquireOp) Abort(string) error {
	o.locks.ReleaseAll(o.target)
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
	return nil
}

// Run acquires the batch, blocking if configured to.
func (o *LockAcquireOp) Run() bool {
	granted := o.locks.AcquireBatch(o.target, o.reqs, o.blocking)
	o.mu.Lock()
	o.granted = granted
	o.done = true
	o.mu.Unlock()
	return granted
}

// LockReleaseOp wraps lock.Manager.Release, implementing LockRelease
// (spec.md §4.7).
type LockReleaseOp struct {
	id        OperationID
	locks     *lock.Manager
	target    lock.OperationID
	resources []lock.ResourceID
	done      bool
}

// NewLockReleaseOp constructs a LockRelease operation for the given
// resources, held on behalf of target.
func NewLockReleaseOp(id OperationID, locks *lock.Manager, target lock.OperationID, resources []lock.ResourceID) *LockReleaseOp {
	return &LockReleaseOp{id: id, locks: locks, target: target, resources: resources}
}

func (o *LockReleaseOp) ID() OperationID              { return o.id }
func (o *LockReleaseOp) Kind() string                 { return "lock_release" }
func (o *LockReleaseOp) Done() bool                   { return o.done }
func (o *LockReleaseOp) HandleNotification(Notification) error { return nil }

func (o *LockReleaseOp) Abort(string) error {
	o.done = true
	return nil
}

// Run releases the wrapped resources.
func (o *LockReleaseOp) Run() {
	o.locks.Release(o.target, o.resources...)
	o.done = true
}

// ClusterSaveOp implements ClusterSave (spec.md §4.7): broadcast
// save-data to every node, wait for acks, then broadcast
// save-metadata and wait for those acks too.
type ClusterSaveOp struct {
	id      OperationID
	cluster *cluster.Manager
	sender  Sender
	timeout time.Duration

	mu   sync.Mutex
	acks map[string]bool
	done bool
}

// NewClusterSaveOp constructs a ClusterSave operation that waits up to
// timeout for each broadcast round's acks.
func NewClusterSaveOp(id OperationID, cl *cluster.Manager, sender Sender, timeout time.Duration) *ClusterSaveOp {
	return &ClusterSaveOp{id: id, cluster: cl, sender: sender, timeout: timeout, acks: make(map[string]bool)}
}

func (o *ClusterSaveOp) ID() OperationID { return o.id }
func (o *ClusterSaveOp) Kind() string    { return "cluster_save" }

func (o *ClusterSaveOp) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// HandleNotification records a save-data/save-metadata ack from the
// node identified by n.From.
func (o *ClusterSaveOp) HandleNotification(n Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch n.Kind {
	case KindSaveDataAck, KindSaveMetadataAck:
		o.acks[string(n.From)] = true
	}
	return nil
}

func (o *ClusterSaveOp) Abort(string) error {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
	return nil
}

// Run broadcasts save-data, waits for every node to ack, then
// broadcasts save-metadata and waits again.
func (o *ClusterSaveOp) Run() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, o.Kind())

	nodes := o.cluster.Readview().Nodes()
	if err := o.broadcastAndWait(nodes, KindSaveData, KindSaveDataAck); err != nil {
		return err
	}
	if err := o.broadcastAndWait(nodes, KindSaveMetadata, KindSaveMetadataAck); err != nil {
		return err
	}

	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
	return nil
}

func (o *ClusterSaveOp) broadcastAndWait(nodes []cluster.NodeDescriptor, kind, ackKind NotificationKind) error {
	o.mu.Lock()
	o.acks = make(map[string]bool, len(nodes))
	for _, n := range nodes {
		o.acks[n.ID] = false
	}
	o.mu.Unlock()

	for _, n := range nodes {
		if err := o.sender.Send(Notification{Kind: kind, From: o.id, To: OperationID(n.ID)}); err != nil {
			return fmt.Errorf("statemachine: cluster save failed to broadcast %s to %s: %w", kind, n.ID, err)
		}
	}

	deadline := time.Now().Add(o.timeout)
	for time.Now().Before(deadline) {
		if o.allAcked() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("statemachine: cluster save timed out waiting for %s acks", ackKind)
}

func (o *ClusterSaveOp) allAcked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, acked := range o.acks {
		if !acked {
			return false
		}
	}
	return true
}

// ClusterShutdownOp implements ClusterShutdown (spec.md §4.7): run the
// same save sequence as ClusterSave, then broadcast a shutdown
// notification to every node without waiting for further acks.
type ClusterShutdownOp struct {
	*ClusterSaveOp
}

// NewClusterShutdownOp constructs a ClusterShutdown operation.
func NewClusterShutdownOp(id OperationID, cl *cluster.Manager, sender Sender, timeout time.Duration) *ClusterShutdownOp {
	return &ClusterShutdownOp{ClusterSaveOp: NewClusterSaveOp(id, cl, sender, timeout)}
}

func (o *ClusterShutdownOp) Kind() string { return "cluster_shutdown" }

// Run saves cluster state, then tells every node to shut down.
func (o *ClusterShutdownOp) Run() error {
	if err := o.ClusterSaveOp.Run(); err != nil {
		return err
	}
	for _, n := range o.cluster.Readview().Nodes() {
		_ = o.sender.Send(Notification{Kind: KindShutdown, From: o.id, To: OperationID(n.ID)})
	}
	return nil
}
