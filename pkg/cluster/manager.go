package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/store"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const metadataSnapshotFile = "metadata-snapshot.json"

// Config bundles the constructor arguments a cluster Manager needs.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Manager owns this node's view of cluster metadata: a raft-replicated
// writeview committed through CommitMetadataChange, and the Readview
// every other subsystem actually reads (spec.md §4.2/§4.7).
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	fsm  *fsm
	raft *raft.Raft

	log zerolog.Logger
}

// NewManager constructs a Manager; call Bootstrap (new cluster) or
// StartVoter (joining an existing one) to actually start its raft
// instance.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("cluster: failed to create data directory: %w", err)
	}
	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newFSM(),
		log:      log.WithNode(cfg.NodeID),
	}, nil
}

func (m *Manager) newRaft() (*raft.Raft, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create raft stable store: %w", err)
	}

	return raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
}

// Bootstrap starts a brand-new single-node raft cluster with this node
// as its only voter.
func (m *Manager) Bootstrap() error {
	r, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(m.nodeID), Address: raft.ServerAddress(m.bindAddr)}},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("cluster: failed to bootstrap: %w", err)
	}
	m.log.Info().Str("bind_addr", m.bindAddr).Msg("bootstrapped single-node cluster")
	return nil
}

// StartVoter starts this node's raft instance without bootstrapping a
// new cluster, for a node that will be added to an existing cluster
// via the leader's Join.
func (m *Manager) StartVoter() error {
	r, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r
	return nil
}

// Join adds nodeID at addr as a voter, per spec.md §4.7's NewNodeJoin
// operation. Must be called against the current leader.
func (m *Manager) Join(nodeID, addr string) error {
	if m.raft.State() != raft.Leader {
		return fmt.Errorf("cluster: %s is not the leader", m.nodeID)
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: failed to add voter %s: %w", nodeID, err)
	}
	return nil
}

// Leave removes nodeID from the raft configuration.
func (m *Manager) Leave(nodeID string) error {
	if m.raft.State() != raft.Leader {
		return fmt.Errorf("cluster: %s is not the leader", m.nodeID)
	}
	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: failed to remove voter %s: %w", nodeID, err)
	}
	return nil
}

// NodeID returns this manager's own node id.
func (m *Manager) NodeID() string { return m.nodeID }

// IsLeader reports whether this node currently holds raft leadership.
func (m *Manager) IsLeader() bool { return m.raft.State() == raft.Leader }

// Leader returns the current leader's raft address, empty if unknown.
func (m *Manager) Leader() string { return string(m.raft.Leader()) }

// Readview returns the current immutable cluster metadata snapshot.
// Every operation should capture exactly one and use it throughout its
// lifetime (spec.md §4.2).
func (m *Manager) Readview() *Readview { return m.fsm.Readview() }

// CommitMetadataChange applies change through raft, replicating it to
// every voter before the FSM's Apply invalidates the readview
// (spec.md §4.7). Must be called against the leader.
func (m *Manager) CommitMetadataChange(change MetadataChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("cluster: failed to marshal metadata change: %w", err)
	}
	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: failed to commit metadata change: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok && applyErr != nil {
			return fmt.Errorf("cluster: metadata change rejected: %w", applyErr)
		}
	}
	return nil
}

// SaveMetadata persists the current readview to this node's local
// metadata snapshot file, per spec.md §6's save-metadata invariant
// (write-to-temp then rename, only durable after the rename succeeds).
func (m *Manager) SaveMetadata() error {
	data, err := m.SnapshotBytes()
	if err != nil {
		return err
	}
	return store.SaveMetadataSnapshot(filepath.Join(m.dataDir, metadataSnapshotFile), data)
}

// LoadMetadata restores the writeview from this node's local snapshot
// file, used by NewNodeJoin before the node catches up via raft.
func (m *Manager) LoadMetadata() error {
	data, err := store.LoadMetadataSnapshot(filepath.Join(m.dataDir, metadataSnapshotFile))
	if err != nil {
		return err
	}
	return m.ApplySnapshotBytes(data)
}

// SnapshotBytes marshals the current readview's writeview, the
// payload a NewNodeJoin operation's PeerMetadataFetcher hands to a
// joining node (spec.md §4.7).
func (m *Manager) SnapshotBytes() ([]byte, error) {
	rv := m.Readview()
	data, err := json.Marshal(rv.w)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to marshal metadata snapshot: %w", err)
	}
	return data, nil
}

// ApplySnapshotBytes replaces this node's local writeview wholesale
// with data, a peer's SnapshotBytes output. Used by a joining node to
// seed its view before it has a raft voter seat of its own.
func (m *Manager) ApplySnapshotBytes(data []byte) error {
	view := newWriteview()
	if err := json.Unmarshal(data, view); err != nil {
		return fmt.Errorf("cluster: failed to decode metadata snapshot: %w", err)
	}
	m.fsm.mu.Lock()
	defer m.fsm.mu.Unlock()
	m.fsm.view = view
	m.fsm.rv.Store(&Readview{w: view.clone()})
	return nil
}

// Shutdown stops this node's raft instance.
func (m *Manager) Shutdown() error {
	if m.raft == nil {
		return nil
	}
	return m.raft.Shutdown().Error()
}
