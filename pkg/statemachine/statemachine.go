// Package statemachine implements C12: the cluster state machine that
// dispatches notifications to operations (spec.md §4.7). Every
// notification targets one operation, identified by an id built from
// the owning node's id and a monotonically increasing counter; the
// state machine's job is routing, joined-state tracking, and the
// bounced-notification retry protocol — the operations themselves
// (NewNodeJoin, ShardMove, LoadBalancingStart, ClusterSave/Shutdown,
// LockAcquire/Release, CommitMetadataChange) live in operation.go.
package statemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/metrics"
	"github.com/rs/zerolog"
)

// OperationID identifies one running operation: the node that started
// it plus a per-node monotonic counter, per spec.md §4.7.
type OperationID string

// NewOperationID formats the (node, counter) pair the spec names.
func NewOperationID(nodeID string, counter uint64) OperationID {
	return OperationID(fmt.Sprintf("%s#%d", nodeID, counter))
}

// Operation is one finite-state-automaton instance the state machine
// drives by feeding it notifications until it reaches a terminal
// state, per spec.md §4.7.
type Operation interface {
	ID() OperationID
	// Kind names the operation's type for metrics labels (e.g.
	// "shard_move", "new_node_join") — never the operation id itself,
	// which would blow up label cardinality.
	Kind() string
	HandleNotification(n Notification) error
	// Abort transitions the operation to a terminal failed state,
	// releasing whatever resources it held. code names the cause:
	// node failure, shutdown, or a user timeout (spec.md §5).
	Abort(code string) error
	Done() bool
}

// NodeWaiter is implemented by operations that can report whether
// they are currently waiting on a specific node, so NotifyNodeFailure
// only aborts operations actually affected by the failed node.
type NodeWaiter interface {
	WaitingOnNode(nodeID string) bool
}

const bounceRetryInterval = 2 * time.Second

// StateMachine is the per-node dispatcher: it owns this node's live
// operations, its "have I joined the cluster yet" flag, and the
// queue of notifications bounced back while waiting to join.
type StateMachine struct {
	nodeID string
	sender Sender
	log    zerolog.Logger

	mu           sync.Mutex
	seq          uint64
	joined       bool
	ops          map[OperationID]Operation
	pendingRetry []Notification

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a state machine for nodeID. The node starts unjoined;
// call SetJoined(true) once NewNodeJoin (or cluster bootstrap) has
// succeeded.
func New(nodeID string, sender Sender) *StateMachine {
	return &StateMachine{
		nodeID: nodeID,
		sender: sender,
		log:    log.WithNode(nodeID),
		ops:    make(map[OperationID]Operation),
		stopCh: make(chan struct{}),
	}
}

// NextOperationID allocates the next operation id for this node.
func (sm *StateMachine) NextOperationID() OperationID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.seq++
	return NewOperationID(sm.nodeID, sm.seq)
}

// Register makes op reachable by Dispatch under its own id.
func (sm *StateMachine) Register(op Operation) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ops[op.ID()] = op
	metrics.OperationsActive.WithLabelValues(op.Kind()).Inc()
}

// Unregister removes op, called once it reaches a terminal state.
func (sm *StateMachine) Unregister(id OperationID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	op, ok := sm.ops[id]
	if !ok {
		return
	}
	delete(sm.ops, id)
	metrics.OperationsActive.WithLabelValues(op.Kind()).Dec()
}

// SetJoined updates whether this node has completed NewNodeJoin (or is
// the cluster's bootstrap node). A state machine that is not joined
// bounces every notification it receives, per spec.md §4.7.
func (sm *StateMachine) SetJoined(joined bool) {
	sm.mu.Lock()
	sm.joined = joined
	sm.mu.Unlock()
}

// Joined reports whether this node has joined the cluster.
func (sm *StateMachine) Joined() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.joined
}

// bounce swaps a notification's src/dest and marks it bounced, so it
// flows back to whoever sent it.
func bounce(n Notification) Notification {
	n.From, n.To = n.To, n.From
	n.Bounced = true
	return n
}

// Dispatch routes an incoming notification to its target operation.
// If this node has not yet joined, or the target operation is not
// (yet) registered, the notification is bounced back to its sender
// per spec.md §4.7. A notification already marked Bounced is instead
// queued for the periodic worker to retry.
func (sm *StateMachine) Dispatch(n Notification) {
	sm.mu.Lock()
	joined := sm.joined
	sm.mu.Unlock()

	if n.Bounced {
		sm.queueRetry(n)
		return
	}

	if !joined {
		metrics.NotificationsBouncedTotal.Inc()
		_ = sm.sender.Send(bounce(n))
		return
	}

	sm.mu.Lock()
	op, ok := sm.ops[n.To]
	sm.mu.Unlock()
	if !ok {
		metrics.NotificationsBouncedTotal.Inc()
		_ = sm.sender.Send(bounce(n))
		return
	}

	if err := op.HandleNotification(n); err != nil {
		sm.log.Warn().Err(err).Str("op", string(n.To)).Str("kind", string(n.Kind)).
			Msg("operation rejected notification")
	}
}

// queueRetry stores a bounced notification's original (un-swapped)
// form for the periodic worker to resend once this node has joined.
func (sm *StateMachine) queueRetry(n Notification) {
	original := n
	original.From, original.To = n.To, n.From
	original.Bounced = false

	sm.mu.Lock()
	sm.pendingRetry = append(sm.pendingRetry, original)
	sm.mu.Unlock()
}

// retryRound resends every queued bounced notification once this node
// has joined. Queued notifications are dropped as soon as they are
// resent; if the destination still has not joined it will bounce them
// right back and they are re-queued.
func (sm *StateMachine) retryRound() {
	sm.mu.Lock()
	joined := sm.joined
	pending := sm.pendingRetry
	sm.pendingRetry = nil
	sm.mu.Unlock()

	if !joined || len(pending) == 0 {
		return
	}
	for _, n := range pending {
		_ = sm.sender.Send(n)
	}
}

// Start launches the periodic worker: every ~2s it retries whatever
// notifications are queued from having been bounced, per spec.md §5's
// "state-machine periodic worker sleeps ≈2s between rounds."
func (sm *StateMachine) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop halts the periodic worker and waits for it to exit.
func (sm *StateMachine) Stop() {
	close(sm.stopCh)
	sm.wg.Wait()
}

func (sm *StateMachine) run() {
	defer sm.wg.Done()
	ticker := time.NewTicker(bounceRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sm.retryRound()
		case <-sm.stopCh:
			return
		}
	}
}

// NotifyNodeFailure propagates a node failure to every live operation
// waiting on it (spec.md §5): each such operation is aborted and
// deregistered. An operation that does not implement NodeWaiter is
// aborted on every node failure. Callers are also responsible for notifying the
// cluster metadata manager (ChangeNodeFailed) and releasing any locks
// the failed node's operations held — ReleaseAll is invoked by Abort
// itself for the operations this function reaches.
func (sm *StateMachine) NotifyNodeFailure(nodeID string) {
	sm.mu.Lock()
	ops := make([]Operation, 0, len(sm.ops))
	for _, op := range sm.ops {
		ops = append(ops, op)
	}
	sm.mu.Unlock()

	for _, op := range ops {
		if waiter, ok := op.(NodeWaiter); ok && !waiter.WaitingOnNode(nodeID) {
			continue
		}
		if err := op.Abort("node_failure:" + nodeID); err != nil {
			sm.log.Warn().Err(err).Str("op", string(op.ID())).Msg("operation abort failed")
		}
		sm.Unregister(op.ID())
	}
}
