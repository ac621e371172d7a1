// Package cluster implements C10: cluster metadata with strict
// readview/writeview separation (spec.md §4.2). The writeview is the
// single mutable structure a raft-replicated FSM owns; every other
// subsystem reads an immutable Readview snapshot captured once at the
// start of an operation, so cross-goroutine observation never sees a
// metadata change mid-flight.
package cluster

// NodeState is a cluster node's membership state.
type NodeState string

const (
	NodeJoining NodeState = "joining"
	NodeArrived NodeState = "arrived"
	NodeFailed  NodeState = "failed"
)

// NodeDescriptor is one cluster node's membership record.
type NodeDescriptor struct {
	ID    string    `json:"id"`
	Addr  string    `json:"addr"`
	State NodeState `json:"state"`
}

// ShardAssignment maps a cluster-shard id to the node currently serving
// it, plus the load figure the balancer reads.
type ShardAssignment struct {
	ShardID      string `json:"shard_id"`
	AssignedNode string `json:"assigned_node"`
	Load         int    `json:"load"`
	ACLEnabled   bool   `json:"acl_enabled"`
}

// ReplicaGroup names a shard's primary and its replica nodes.
type ReplicaGroup struct {
	ShardID  string   `json:"shard_id"`
	Primary  string   `json:"primary"`
	Replicas []string `json:"replicas"`
}

// Writeview is the process-wide, single-writer structure spec.md §4.2
// names: node id -> descriptor, cluster-shard id -> assignment,
// shard id -> replica group. It is only ever mutated by the FSM, under
// fsm.mu, and is never handed to a reader directly — Readview is.
type Writeview struct {
	Nodes    map[string]NodeDescriptor  `json:"nodes"`
	Shards   map[string]ShardAssignment `json:"shards"`
	Replicas map[string]ReplicaGroup    `json:"replicas"`
}

func newWriteview() *Writeview {
	return &Writeview{
		Nodes:    make(map[string]NodeDescriptor),
		Shards:   make(map[string]ShardAssignment),
		Replicas: make(map[string]ReplicaGroup),
	}
}

func (w *Writeview) clone() *Writeview {
	cp := newWriteview()
	for k, v := range w.Nodes {
		cp.Nodes[k] = v
	}
	for k, v := range w.Shards {
		cp.Shards[k] = v
	}
	for k, v := range w.Replicas {
		cp.Replicas[k] = v
	}
	return cp
}

// Readview is an immutable snapshot of the writeview, replaced
// wholesale by CommitMetadataChange (spec.md §4.2). Operations that
// need a stable cluster view capture one at start and use it
// throughout, even if the writeview changes underneath.
type Readview struct {
	w *Writeview
}

// Node returns id's descriptor as of this snapshot.
func (r *Readview) Node(id string) (NodeDescriptor, bool) {
	n, ok := r.w.Nodes[id]
	return n, ok
}

// Nodes returns every node descriptor in this snapshot.
func (r *Readview) Nodes() []NodeDescriptor {
	out := make([]NodeDescriptor, 0, len(r.w.Nodes))
	for _, n := range r.w.Nodes {
		out = append(out, n)
	}
	return out
}

// Shard returns shardID's assignment as of this snapshot.
func (r *Readview) Shard(shardID string) (ShardAssignment, bool) {
	s, ok := r.w.Shards[shardID]
	return s, ok
}

// Shards returns every shard assignment in this snapshot: a consistent
// view of which shards are assigned to which nodes, per spec.md §5's
// "within a readview the set of shards assigned to each node is a
// consistent snapshot" invariant.
func (r *Readview) Shards() []ShardAssignment {
	out := make([]ShardAssignment, 0, len(r.w.Shards))
	for _, s := range r.w.Shards {
		out = append(out, s)
	}
	return out
}

// ShardsOnNode returns every shard assigned to nodeID in this snapshot.
func (r *Readview) ShardsOnNode(nodeID string) []ShardAssignment {
	var out []ShardAssignment
	for _, s := range r.w.Shards {
		if s.AssignedNode == nodeID {
			out = append(out, s)
		}
	}
	return out
}

// Replica returns shardID's replica group as of this snapshot.
func (r *Readview) Replica(shardID string) (ReplicaGroup, bool) {
	g, ok := r.w.Replicas[shardID]
	return g, ok
}

// ChangeKind tags the kind of metadata change CommitMetadataChange
// applies (spec.md §4.7's "assign, unassign, transfer").
type ChangeKind string

const (
	ChangeNodeJoin      ChangeKind = "node_join"
	ChangeNodeArrived   ChangeKind = "node_arrived"
	ChangeNodeFailed    ChangeKind = "node_failed"
	ChangeAssignShard   ChangeKind = "assign_shard"
	ChangeUnassignShard ChangeKind = "unassign_shard"
	ChangeTransferShard ChangeKind = "transfer_shard"
	ChangeSetReplicas   ChangeKind = "set_replicas"
)

// MetadataChange is one committed mutation of the cluster writeview,
// marshaled as the raft log entry's payload.
type MetadataChange struct {
	Kind ChangeKind `json:"kind"`

	// Node join/arrived/failed.
	Node NodeDescriptor `json:"node,omitempty"`

	// Shard assign/unassign/transfer/set_replicas.
	ShardID    string   `json:"shard_id,omitempty"`
	TargetNode string   `json:"target_node,omitempty"`
	Load       int      `json:"load,omitempty"`
	Replicas   []string `json:"replicas,omitempty"`
}

func applyChangeLocked(w *Writeview, change MetadataChange) {
	switch change.Kind {
	case ChangeNodeJoin, ChangeNodeArrived, ChangeNodeFailed:
		w.Nodes[change.Node.ID] = change.Node
	case ChangeAssignShard:
		w.Shards[change.ShardID] = ShardAssignment{
			ShardID:      change.ShardID,
			AssignedNode: change.TargetNode,
			Load:         change.Load,
		}
	case ChangeUnassignShard:
		delete(w.Shards, change.ShardID)
	case ChangeTransferShard:
		a := w.Shards[change.ShardID]
		a.ShardID = change.ShardID
		a.AssignedNode = change.TargetNode
		w.Shards[change.ShardID] = a
	case ChangeSetReplicas:
		w.Replicas[change.ShardID] = ReplicaGroup{
			ShardID:  change.ShardID,
			Primary:  change.TargetNode,
			Replicas: change.Replicas,
		}
	}
}
