package migration

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/metrics"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/transport"
	"github.com/rs/zerolog"
)

// Registry is the process-local shard table a Manager streams shards
// into and out of. cmd/lexis-node's shard table satisfies this.
type Registry interface {
	// Shard looks up a locally-owned shard by id.
	Shard(shardID string) (*shard.Shard, bool)
	// Adopt installs s under shardID, replacing any shard already
	// registered at that id.
	Adopt(shardID string, s *shard.Shard)
	// Evict removes shardID from the table, e.g. after a completed
	// MoveToMe hands ownership to another node.
	Evict(shardID string)
}

// DefaultRequestTimeout bounds how long StreamShard/CopyShard wait for
// the destination node's accept/reject reply before giving up.
const DefaultRequestTimeout = 30 * time.Second

// Manager implements statemachine.Migrator: it streams a shard's index
// state to another node over the transport's framed migration message
// kinds, rather than through the archive file (spec.md §6).
type Manager struct {
	nodeAddr        string
	dataDir         string
	tr              *transport.Transport
	registry        Registry
	shardConfig     shard.Config
	resolveAnalyzer AnalyzerResolver
	requestTimeout  time.Duration
	log             zerolog.Logger
}

// New returns a Manager that streams shards over tr, rebuilding
// incoming shards under dataDir/<shardID> using baseConfig as the
// template for every field except DataDir/Analyzer/AnalyzerKind, which
// StreamShard/CopyShard's handlers fill in from the incoming Payload.
func New(nodeAddr, dataDir string, tr *transport.Transport, registry Registry, baseConfig shard.Config) *Manager {
	m := &Manager{
		nodeAddr:        nodeAddr,
		dataDir:         dataDir,
		tr:              tr,
		registry:        registry,
		shardConfig:     baseConfig,
		resolveAnalyzer: DefaultAnalyzerResolver,
		requestTimeout:  DefaultRequestTimeout,
		log:             log.WithComponent("migration"),
	}
	tr.RegisterHandler(transport.KindMoveToMe, m.handleIncoming(false))
	tr.RegisterHandler(transport.KindCopyToMe, m.handleIncoming(true))
	tr.RegisterHandler(transport.KindMoveFinish, m.handleMoveFinish)
	tr.RegisterHandler(transport.KindMoveCleanup, m.handleMoveCleanup)
	return m
}

// SetAnalyzerResolver overrides the default whitespace-only resolver,
// e.g. to wire in additional analyser implementations.
func (m *Manager) SetAnalyzerResolver(r AnalyzerResolver) { m.resolveAnalyzer = r }

// StreamShard relocates shardID to targetAddr: the destination
// rebuilds the shard from a streamed Payload, and once it acknowledges,
// this node finalises the handoff and removes its own copy. It
// implements statemachine.Migrator's Migrator interface, called while
// the caller (ShardMoveOp) holds shardID's exclusive lock.
func (m *Manager) StreamShard(shardID, targetAddr string) error {
	return m.send(shardID, targetAddr, transport.KindMoveToMe, "move")
}

// CopyShard replicates shardID to targetAddr without relinquishing
// this node's own copy — used for read replicas or warm standbys
// rather than rebalancing.
func (m *Manager) CopyShard(shardID, targetAddr string) error {
	return m.send(shardID, targetAddr, transport.KindCopyToMe, "copy")
}

func (m *Manager) send(shardID, targetAddr string, kind transport.Kind, metricKind string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MigrationDuration, metricKind)

	s, ok := m.registry.Shard(shardID)
	if !ok {
		metrics.MigrationsFailedTotal.WithLabelValues(metricKind).Inc()
		return fmt.Errorf("migration: shard %s not found locally", shardID)
	}

	s.SetState(shard.StateMigrating)
	moved := false
	defer func() {
		if moved {
			return // the shard is leaving; its state no longer matters here.
		}
		s.SetState(shard.StateActive)
	}()

	body, err := json.Marshal(Export(s))
	if err != nil {
		metrics.MigrationsFailedTotal.WithLabelValues(metricKind).Inc()
		return fmt.Errorf("migration: failed to encode payload for shard %s: %w", shardID, err)
	}

	h, respBody, err := m.tr.Request(targetAddr, kind, transport.MaskMigration, body, m.requestTimeout, nil)
	if err != nil {
		metrics.MigrationsFailedTotal.WithLabelValues(metricKind).Inc()
		return fmt.Errorf("migration: %s of shard %s to %s failed: %w", metricKind, shardID, targetAddr, err)
	}
	if h.Kind == transport.KindMoveAbort {
		metrics.MigrationsFailedTotal.WithLabelValues(metricKind).Inc()
		return fmt.Errorf("migration: %s destination %s rejected shard %s: %s", metricKind, targetAddr, shardID, string(respBody))
	}
	if h.Kind != transport.KindMoveAck {
		metrics.MigrationsFailedTotal.WithLabelValues(metricKind).Inc()
		return fmt.Errorf("migration: unexpected reply kind %d to %s of shard %s", h.Kind, metricKind, shardID)
	}

	if kind != transport.KindMoveToMe {
		m.log.Info().Str("shard_id", shardID).Str("target", targetAddr).Msg("shard copied to target node")
		return nil
	}

	moved = true
	if err := m.tr.Send(targetAddr, transport.KindMoveFinish, transport.MaskMigration, []byte(shardID)); err != nil {
		m.log.Warn().Err(err).Str("shard_id", shardID).Msg("failed to send move-finish; target has already adopted the shard")
	}
	return nil
}

// handleIncoming returns the handler registered for MoveToMe (isCopy
// false, the source will evict itself once finished) and CopyToMe
// (isCopy true, nothing further happens locally).
func (m *Manager) handleIncoming(isCopy bool) transport.Handler {
	return func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		var p Payload
		if err := json.Unmarshal(body, &p); err != nil {
			_ = reply(transport.KindMoveAbort, []byte(fmt.Sprintf("malformed payload: %s", err)))
			return
		}

		s, err := rebuild(p, filepath.Join(m.dataDir, p.ShardID), m.resolveAnalyzer, m.shardConfig)
		if err != nil {
			m.log.Warn().Err(err).Str("shard_id", p.ShardID).Msg("failed to adopt incoming shard")
			_ = reply(transport.KindMoveAbort, []byte(err.Error()))
			return
		}

		m.registry.Adopt(p.ShardID, s)
		m.log.Info().Str("shard_id", p.ShardID).Bool("copy", isCopy).Msg("adopted incoming shard")
		_ = reply(transport.KindMoveAck, []byte(p.ShardID))
	}
}

// handleMoveFinish runs on the node that just adopted a shard: the
// handoff is now authoritative, and it tells the source it can clean
// up its now-stale local copy.
func (m *Manager) handleMoveFinish(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
	shardID := string(body)
	m.log.Info().Str("shard_id", shardID).Msg("move finalised; notifying source to clean up")
	_ = reply(transport.KindMoveCleanup, body)
}

// handleMoveCleanup runs on the node that sent a shard away: the
// target has confirmed the handoff, so it's now safe to drop the local
// copy.
func (m *Manager) handleMoveCleanup(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
	shardID := string(body)
	s, ok := m.registry.Shard(shardID)
	if !ok {
		return
	}
	s.SetState(shard.StateDeleted)
	if err := s.Close(); err != nil {
		m.log.Warn().Err(err).Str("shard_id", shardID).Msg("failed to close evicted shard's archive handle")
	}
	m.registry.Evict(shardID)
	m.log.Info().Str("shard_id", shardID).Msg("evicted shard after confirmed handoff")
}
