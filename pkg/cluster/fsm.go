package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"
)

// fsm implements raft.FSM over the cluster writeview. Applying a log
// entry mutates the writeview under mu and republishes a fresh,
// immutable Readview in the same step — CommitMetadataChange
// "invalidates the readview" (spec.md §4.7) simply by swapping the
// atomic pointer every reader already holds a stale copy of.
type fsm struct {
	mu   sync.Mutex
	view *Writeview
	rv   atomic.Pointer[Readview]
}

func newFSM() *fsm {
	f := &fsm{view: newWriteview()}
	f.rv.Store(&Readview{w: f.view.clone()})
	return f
}

// Readview returns the current immutable snapshot.
func (f *fsm) Readview() *Readview {
	return f.rv.Load()
}

// Apply implements raft.FSM. It is only ever invoked by raft once a
// MetadataChange is committed to a quorum of the log.
func (f *fsm) Apply(log *raft.Log) interface{} {
	var change MetadataChange
	if err := json.Unmarshal(log.Data, &change); err != nil {
		return fmt.Errorf("cluster: failed to unmarshal metadata change: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	applyChangeLocked(f.view, change)
	f.rv.Store(&Readview{w: f.view.clone()})
	return nil
}

// fsmSnapshot is a point-in-time copy of the writeview, persisted by
// raft's snapshot store.
type fsmSnapshot struct {
	view *Writeview
}

// Snapshot implements raft.FSM.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fsmSnapshot{view: f.view.clone()}, nil
}

// Persist implements raft.FSMSnapshot.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.view); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *fsmSnapshot) Release() {}

// Restore implements raft.FSM, replacing the writeview wholesale with
// a snapshot's contents — used when a node restarts or joins and
// fast-forwards from a snapshot instead of replaying the whole log.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	view := newWriteview()
	if err := json.NewDecoder(rc).Decode(view); err != nil {
		return fmt.Errorf("cluster: failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = view
	f.rv.Store(&Readview{w: f.view.clone()})
	return nil
}
