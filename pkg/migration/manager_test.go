package migration

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/transport"
	"github.com/cuemby/lexis/pkg/types"
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

// memRegistry is an in-memory Registry, standing in for cmd/lexis-node's
// real shard table.
type memRegistry struct {
	mu     sync.Mutex
	shards map[string]*shard.Shard
}

func newMemRegistry() *memRegistry {
	return &memRegistry{shards: make(map[string]*shard.Shard)}
}

func (r *memRegistry) Shard(id string) (*shard.Shard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	return s, ok
}

func (r *memRegistry) Adopt(id string, s *shard.Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[id] = s
}

func (r *memRegistry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shards, id)
}

func keywordSchema() *types.Schema {
	return &types.Schema{
		PrimaryKeyAttribute: "id",
		Searchable:          []types.SearchableAttribute{{Name: "title", Boost: 10}},
	}
}

func geoSchema() *types.Schema {
	return &types.Schema{
		PrimaryKeyAttribute: "id",
		Searchable:          []types.SearchableAttribute{{Name: "title", Boost: 10}},
		IndexType:           types.IndexKeywordGeo,
	}
}

func baseConfig() shard.Config {
	cfg := index.DefaultMergeConfig()
	cfg.Workers = 2
	return shard.Config{
		AnalyzerKind:     "whitespace",
		MergeConfig:      cfg,
		CacheBudgetBytes: 1 << 20,
	}
}

func rec(pk, title string) *types.Record {
	return &types.Record{PrimaryKey: pk, Searchable: [][]string{{title}}}
}

// node bundles a Transport, Manager and Registry under one address, so
// tests can spin up a source and a target node.
type node struct {
	addr     string
	tr       *transport.Transport
	registry *memRegistry
	mgr      *Manager
}

func newNode(t *testing.T) *node {
	t.Helper()
	addr := freeAddr(t)
	tr := transport.New(addr)
	require.NoError(t, tr.Listen(addr))
	t.Cleanup(func() { tr.Close() })

	registry := newMemRegistry()
	mgr := New(addr, t.TempDir(), tr, registry, baseConfig())
	return &node{addr: addr, tr: tr, registry: registry, mgr: mgr}
}

func newShardWith(t *testing.T, n *node, id string, schema *types.Schema, records ...*types.Record) *shard.Shard {
	t.Helper()
	cfg := baseConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), id)
	cfg.Analyzer = analyzer.Whitespace{}
	s, err := shard.New(id, schema, cfg)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, s.Insert(r))
	}
	s.Merge()
	n.registry.Adopt(id, s)
	return s
}

func TestStreamShard_MovesIndexStateAndEvictsSource(t *testing.T) {
	source := newNode(t)
	target := newNode(t)

	newShardWith(t, source, "s1", keywordSchema(), rec("1", "hello"), rec("2", "world"))

	require.NoError(t, source.mgr.StreamShard("s1", target.addr))

	require.Eventually(t, func() bool {
		_, ok := source.registry.Shard("s1")
		return !ok
	}, time.Second, 5*time.Millisecond, "source must evict its copy once the target confirms")

	adopted, ok := target.registry.Shard("s1")
	require.True(t, ok)
	assert.Equal(t, shard.StateActive, adopted.State())

	forward, _ := adopted.Export()
	assert.Len(t, forward, 2)
}

func TestStreamShard_PreservesGeoIndexState(t *testing.T) {
	source := newNode(t)
	target := newNode(t)

	r := rec("1", "cafe")
	r.Geo = &types.GeoPoint{X: 12, Y: 34}
	newShardWith(t, source, "geo1", geoSchema(), r)

	require.NoError(t, source.mgr.StreamShard("geo1", target.addr))

	var adopted *shard.Shard
	require.Eventually(t, func() bool {
		s, ok := target.registry.Shard("geo1")
		adopted = s
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NotNil(t, adopted.Quadtree())
	assert.Equal(t, 1, adopted.Quadtree().Count())
}

func TestStreamShard_FailsWhenShardNotFoundLocally(t *testing.T) {
	source := newNode(t)
	target := newNode(t)

	err := source.mgr.StreamShard("missing", target.addr)
	require.Error(t, err)
}

func TestStreamShard_ReturnsRejectionWhenTargetAborts(t *testing.T) {
	source := newNode(t)
	target := newNode(t)

	// Override the target's handler to always reject, simulating e.g.
	// a schema it refuses to accept.
	target.tr.RegisterHandler(transport.KindMoveToMe, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		_ = reply(transport.KindMoveAbort, []byte("disk full"))
	})

	newShardWith(t, source, "s1", keywordSchema(), rec("1", "hello"))

	err := source.mgr.StreamShard("s1", target.addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// The rejected shard must remain active and owned by the source.
	_, ok := source.registry.Shard("s1")
	assert.True(t, ok)
}

func TestCopyShard_LeavesSourceShardInPlace(t *testing.T) {
	source := newNode(t)
	target := newNode(t)

	newShardWith(t, source, "s1", keywordSchema(), rec("1", "hello"))

	require.NoError(t, source.mgr.CopyShard("s1", target.addr))

	s, ok := source.registry.Shard("s1")
	require.True(t, ok)
	assert.Equal(t, shard.StateActive, s.State())

	_, ok = target.registry.Shard("s1")
	assert.True(t, ok)
}

func TestDefaultAnalyzerResolver_RejectsUnknownKind(t *testing.T) {
	_, err := DefaultAnalyzerResolver("some-exotic-analyser")
	require.Error(t, err)
}
