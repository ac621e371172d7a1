// Package lock implements C11: the cluster's hierarchical resource lock
// manager. Resources form a strict hierarchy — cluster-metadata, then
// shard, then primary-key — and every batch acquire walks that order
// parent-before-child, per spec.md §5's deadlock-avoidance discipline.
// Readers never block readers; writers exclude everyone.
package lock

import (
	"container/list"
	"sort"
	"sync"

	"github.com/cuemby/lexis/pkg/metrics"
)

// Level identifies a resource's position in the lock hierarchy.
type Level int

const (
	LevelCluster Level = iota
	LevelShard
	LevelPrimaryKey
)

// String names the level for metrics labels.
func (l Level) String() string {
	switch l {
	case LevelCluster:
		return "cluster"
	case LevelShard:
		return "shard"
	case LevelPrimaryKey:
		return "primary_key"
	default:
		return "unknown"
	}
}

// Mode is the strength of a lock grant. Exclusive sorts above Shared so
// that deduplicating a batch request can keep the stronger of two
// requested modes for the same resource with a plain numeric max.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// OperationID identifies the operation a lock is held on behalf of, so
// every lock it acquired can be released together on commit or abort.
type OperationID string

// ResourceID names one node of the lock hierarchy. ShardID and Key are
// only meaningful at their corresponding level; a cluster-level
// resource leaves both empty.
type ResourceID struct {
	Level   Level
	ShardID string
	Key     string
}

// Cluster returns the single cluster-metadata resource.
func Cluster() ResourceID { return ResourceID{Level: LevelCluster} }

// Shard returns the resource for a whole shard.
func Shard(shardID string) ResourceID {
	return ResourceID{Level: LevelShard, ShardID: shardID}
}

// PrimaryKey returns the resource for one record within a shard.
func PrimaryKey(shardID, key string) ResourceID {
	return ResourceID{Level: LevelPrimaryKey, ShardID: shardID, Key: key}
}

func less(a, b ResourceID) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if a.ShardID != b.ShardID {
		return a.ShardID < b.ShardID
	}
	return a.Key < b.Key
}

// Request is one (resource, mode) pair of a batch acquire.
type Request struct {
	Resource ResourceID
	Mode     Mode
}

type waiter struct {
	op   OperationID
	mode Mode
	ch   chan struct{}
}

type resourceState struct {
	hasExclusive    bool
	exclusiveHolder OperationID
	sharedHolders   map[OperationID]struct{}
	waiters         *list.List // of *waiter
}

func (rs *resourceState) grantable(mode Mode) bool {
	if rs.hasExclusive {
		return false
	}
	if mode == Exclusive {
		return len(rs.sharedHolders) == 0
	}
	return true
}

func (rs *resourceState) idle() bool {
	return !rs.hasExclusive && len(rs.sharedHolders) == 0 && rs.waiters.Len() == 0
}

// Manager is the cluster's lock table: one resourceState per
// currently-contended-or-held resource, plus a per-operation index of
// what it holds so Release/ReleaseAll don't need the caller to
// remember its own lock set.
type Manager struct {
	mu        sync.Mutex
	resources map[ResourceID]*resourceState
	held      map[OperationID]map[ResourceID]Mode
}

// New returns an empty lock manager.
func New() *Manager {
	return &Manager{
		resources: make(map[ResourceID]*resourceState),
		held:      make(map[OperationID]map[ResourceID]Mode),
	}
}

// dedupeSorted collapses duplicate resources to their strongest
// requested mode and orders the batch parent-before-child.
func dedupeSorted(reqs []Request) []Request {
	byResource := make(map[ResourceID]Mode, len(reqs))
	for _, r := range reqs {
		if cur, ok := byResource[r.Resource]; !ok || r.Mode > cur {
			byResource[r.Resource] = r.Mode
		}
	}
	out := make([]Request, 0, len(byResource))
	for res, mode := range byResource {
		out = append(out, Request{Resource: res, Mode: mode})
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].Resource, out[j].Resource) })
	return out
}

func (m *Manager) resourceLocked(res ResourceID) *resourceState {
	rs, ok := m.resources[res]
	if !ok {
		rs = &resourceState{waiters: list.New()}
		m.resources[res] = rs
	}
	return rs
}

func (m *Manager) grantOnLocked(rs *resourceState, op OperationID, res ResourceID, mode Mode) {
	if mode == Exclusive {
		rs.hasExclusive = true
		rs.exclusiveHolder = op
	} else {
		if rs.sharedHolders == nil {
			rs.sharedHolders = make(map[OperationID]struct{})
		}
		rs.sharedHolders[op] = struct{}{}
	}
	held := m.held[op]
	if held == nil {
		held = make(map[ResourceID]Mode)
		m.held[op] = held
	}
	held[res] = mode
}

// acquireOneBlocking grants req to op immediately if possible, else
// enqueues op and waits, dropping m.mu while blocked. m.mu is held on
// entry and on return.
func (m *Manager) acquireOneBlocking(op OperationID, req Request) {
	rs := m.resourceLocked(req.Resource)
	if rs.grantable(req.Mode) {
		m.grantOnLocked(rs, op, req.Resource, req.Mode)
		return
	}
	ch := make(chan struct{})
	rs.waiters.PushBack(&waiter{op: op, mode: req.Mode, ch: ch})
	m.mu.Unlock()
	<-ch
	m.mu.Lock()
}

// deepestLevel returns the most specific level present in a sorted
// batch, used as the metrics label — contention is dominated by
// whichever level is finest-grained in the request.
func deepestLevel(sorted []Request) Level {
	deepest := LevelCluster
	for _, r := range sorted {
		if r.Resource.Level > deepest {
			deepest = r.Resource.Level
		}
	}
	return deepest
}

// AcquireBatch attempts to acquire every resource in reqs on behalf of
// op, after sorting the batch into parent-before-child order. A
// blocking batch enqueues on whichever resource it must wait for and
// always eventually returns true; a non-blocking batch checks every
// resource's availability first and grants all-or-none atomically —
// it never partially acquires a batch it then has to unwind.
func (m *Manager) AcquireBatch(op OperationID, reqs []Request, blocking bool) bool {
	if len(reqs) == 0 {
		return true
	}
	sorted := dedupeSorted(reqs)
	level := deepestLevel(sorted).String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !blocking {
		for _, r := range sorted {
			if rs, ok := m.resources[r.Resource]; ok && !rs.grantable(r.Mode) {
				metrics.LockDeniesTotal.WithLabelValues(level).Inc()
				return false
			}
		}
		for _, r := range sorted {
			rs := m.resourceLocked(r.Resource)
			m.grantOnLocked(rs, op, r.Resource, r.Mode)
		}
		return true
	}

	timer := metrics.NewTimer()
	for _, r := range sorted {
		m.acquireOneBlocking(op, r)
	}
	timer.ObserveDurationVec(metrics.LockWaitDuration, level)
	return true
}

// Acquire is the single-resource convenience form of AcquireBatch.
func (m *Manager) Acquire(op OperationID, res ResourceID, mode Mode, blocking bool) bool {
	return m.AcquireBatch(op, []Request{{Resource: res, Mode: mode}}, blocking)
}

func (m *Manager) wakeLocked(res ResourceID, rs *resourceState) {
	for rs.waiters.Len() > 0 {
		front := rs.waiters.Front()
		w := front.Value.(*waiter)
		if !rs.grantable(w.mode) {
			break
		}
		rs.waiters.Remove(front)
		m.grantOnLocked(rs, w.op, res, w.mode)
		close(w.ch)
	}
}

func (m *Manager) releaseLocked(op OperationID, res ResourceID) {
	rs, ok := m.resources[res]
	if !ok {
		return
	}
	if rs.hasExclusive && rs.exclusiveHolder == op {
		rs.hasExclusive = false
		rs.exclusiveHolder = ""
	} else {
		delete(rs.sharedHolders, op)
	}

	if held, ok := m.held[op]; ok {
		delete(held, res)
		if len(held) == 0 {
			delete(m.held, op)
		}
	}

	m.wakeLocked(res, rs)
	if rs.idle() {
		delete(m.resources, res)
	}
}

// Release drops op's hold on each of resources, waking any waiter now
// able to proceed.
func (m *Manager) Release(op OperationID, resources ...ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range resources {
		m.releaseLocked(op, res)
	}
}

// ReleaseAll drops every lock op currently holds. This is the abort
// hook spec.md §5 requires: on node failure, shutdown, or a user
// timeout, the aborting operation's locks must all come back so
// waiters behind it are not starved forever.
func (m *Manager) ReleaseAll(op OperationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.held[op]
	if !ok {
		return
	}
	resources := make([]ResourceID, 0, len(held))
	for res := range held {
		resources = append(resources, res)
	}
	for _, res := range resources {
		m.releaseLocked(op, res)
	}
}

// Held reports the modes op currently holds, for diagnostics and
// tests.
func (m *Manager) Held(op OperationID) map[ResourceID]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ResourceID]Mode, len(m.held[op]))
	for res, mode := range m.held[op] {
		out[res] = mode
	}
	return out
}
