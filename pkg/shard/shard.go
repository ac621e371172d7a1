// Package shard implements C9: the per-shard search server. A Shard
// owns one index (forward + inverted, plus a quadtree for geo schemas),
// one analyser, and one on-disk archive; it is the unit spec.md's data
// flow names as the thing a search or mutation request lands on first.
package shard

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/lexis/pkg/acl"
	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/cache"
	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/metrics"
	"github.com/cuemby/lexis/pkg/store"
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
	"github.com/rs/zerolog"
)

// State represents the current state of a shard.
type State string

const (
	StateActive    State = "active"
	StateMigrating State = "migrating"
	StateDeleted   State = "deleted"
)

// Stats tracks per-shard operation counts, incremented atomically so
// they can be read concurrently with writers via Snapshot.
type Stats struct {
	Inserts  uint64
	Deletes  uint64
	Updates  uint64
	Searches uint64
}

// Snapshot is a point-in-time copy of Stats, safe to hand to a caller.
type Snapshot struct {
	Inserts, Deletes, Updates, Searches uint64
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Inserts:  atomic.LoadUint64(&s.Inserts),
		Deletes:  atomic.LoadUint64(&s.Deletes),
		Updates:  atomic.LoadUint64(&s.Updates),
		Searches: atomic.LoadUint64(&s.Searches),
	}
}

// defaultQuadtreeCapacity and defaultQuadtreeMBRLimit seed a fresh geo
// index; Load overrides both from the archived region once one exists.
const (
	defaultQuadtreeCapacity = 64
	defaultQuadtreeMBRLimit = 0.0001
)

func worldRegion() geo.Rectangle {
	return geo.Rectangle{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
}

// Shard is a (data shard id, search server) pair: it owns one logical
// partition of the record set and its entire index state.
type Shard struct {
	ID     string
	Schema *types.Schema

	analyzer     analyzer.Analyzer
	analyzerKind string
	trie         *trie.Trie
	idx          *index.Index
	qt           *geo.Quadtree // nil unless Schema.IndexType == IndexKeywordGeo

	acl      *acl.ACL
	cache    *cache.Cache
	feedback *FeedbackStore

	archive *store.ShardStore

	mu    sync.RWMutex
	state State
	stats Stats

	log zerolog.Logger
}

// Config bundles the constructor arguments a shard needs beyond its
// schema and id.
type Config struct {
	DataDir  string
	Analyzer analyzer.Analyzer
	// AnalyzerKind tags which analyser implementation Analyzer is, for
	// the archive's consistency check (spec.md §6); e.g. "whitespace".
	AnalyzerKind     string
	MergeConfig      index.MergeConfig
	CacheBudgetBytes int64
}

// New opens (or creates) a shard's archive under cfg.DataDir, restoring
// its index state if an archive already exists, per spec.md §6's
// "if any required file is missing, the engine creates an empty index"
// rule.
func New(id string, schema *types.Schema, cfg Config) (*Shard, error) {
	archive, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("shard: failed to open archive: %w", err)
	}

	s := &Shard{
		ID:           id,
		Schema:       schema,
		analyzer:     cfg.Analyzer,
		analyzerKind: cfg.AnalyzerKind,
		acl:          acl.New(),
		cache:        cache.New(cfg.CacheBudgetBytes),
		feedback:     NewFeedbackStore(),
		archive:      archive,
		state:        StateActive,
		log:          log.WithShard(id),
	}

	loaded, err := store.LoadShard(archive)
	if err != nil {
		archive.Close()
		return nil, fmt.Errorf("shard: failed to load archive: %w", err)
	}

	if !loaded.Found {
		s.trie = trie.New()
		s.idx = index.New(schema, s.trie, cfg.MergeConfig)
		if schema.IndexType == types.IndexKeywordGeo {
			s.qt = geo.New(worldRegion(), defaultQuadtreeCapacity, defaultQuadtreeMBRLimit)
		}
		s.log.Info().Str("shard_id", id).Msg("starting with an empty index: no archive found")
		return s, nil
	}

	if loaded.Schema.PrimaryKeyAttribute != schema.PrimaryKeyAttribute || loaded.Schema.IndexType != schema.IndexType {
		s.log.Warn().Msg("configured schema does not match the persisted schema archive")
	}

	s.trie = loaded.Trie
	s.idx = index.Load(schema, s.trie, cfg.MergeConfig, loaded.Forward, loaded.Inverted)
	if schema.IndexType == types.IndexKeywordGeo && loaded.Quadtree != nil {
		s.qt = loaded.Quadtree
	} else if schema.IndexType == types.IndexKeywordGeo {
		s.qt = geo.New(worldRegion(), defaultQuadtreeCapacity, defaultQuadtreeMBRLimit)
	}
	return s, nil
}

// State returns the shard's current lifecycle state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the shard's lifecycle state, e.g. to Migrating
// while pkg/migration streams its data to a new owner.
func (s *Shard) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Stats returns a point-in-time copy of the shard's operation counters.
func (s *Shard) Stats() Snapshot { return s.stats.snapshot() }

// ACL returns the shard's attribute-ACL, so a caller (the search server
// frontend) can populate it from a schema's ACL configuration.
func (s *Shard) ACL() *acl.ACL { return s.acl }

func aclCacheKey(role types.RoleID) cache.Fingerprint {
	return cache.Fingerprint(fmt.Sprintf("aclfilter:%d", role))
}

// attributeFilter returns role's attribute filter, memoised in the
// shard's artifact cache since BuildAttributeFilter is consulted on
// every single search (spec.md §4.6) but only changes when the ACL
// itself is mutated.
func (s *Shard) attributeFilter(role types.RoleID) acl.AttributeFilter {
	key := aclCacheKey(role)
	if data, ok := s.cache.Get(key); ok {
		var filter acl.AttributeFilter
		if json.Unmarshal(data, &filter) == nil {
			return filter
		}
	}

	filter := s.acl.BuildAttributeFilter(s.Schema, role)
	if data, err := json.Marshal(filter); err == nil {
		s.cache.Put(key, data)
	}
	return filter
}

// InvalidateACLCache drops role's cached attribute filter. Callers must
// invoke this after mutating the shard's ACL (Append/Delete/Replace) so
// the next search for that role rebuilds its filter from the fresh ACL.
func (s *Shard) InvalidateACLCache(role types.RoleID) {
	s.cache.Invalidate(aclCacheKey(role))
}

// geoPoint extracts rec's geographic point, or nil if the schema is not
// a geo schema or the record carries none.
func geoPoint(schema *types.Schema, rec *types.Record) *types.GeoPoint {
	if schema.IndexType != types.IndexKeywordGeo {
		return nil
	}
	return rec.Geo
}

// Insert adds rec to the shard's pending writeview (and, for a geo
// schema, its quadtree), per C9's insert operation. The record becomes
// searchable after the next Merge.
func (s *Shard) Insert(rec *types.Record) error {
	status, err := s.idx.AddRecord(rec, s.analyzer)
	if err != nil {
		return err
	}
	if status == index.AddDuplicatePrimaryKey {
		return fmt.Errorf("shard: %w: %s", types.ErrDuplicatePrimaryKey, rec.PrimaryKey)
	}

	if p := geoPoint(s.Schema, rec); p != nil && s.qt != nil {
		fl, ok := s.idx.GetForward(rec.PrimaryKey)
		if ok {
			s.qt.Insert(geo.Element{Point: *p, ForwardListID: fl.RecordID})
		}
	}

	atomic.AddUint64(&s.stats.Inserts, 1)
	return nil
}

// Delete removes primaryKey from the shard, per C9's delete operation.
func (s *Shard) Delete(primaryKey string) error {
	var oldPoint *types.GeoPoint
	var oldID uint64
	if s.qt != nil {
		if fl, ok := s.idx.GetForward(primaryKey); ok {
			oldPoint = geoPoint(s.Schema, fl.Record)
			oldID = fl.RecordID
		}
	}

	if err := s.idx.DeleteRecord(primaryKey); err != nil {
		return err
	}

	if oldPoint != nil {
		s.qt.Remove(geo.Element{Point: *oldPoint, ForwardListID: oldID})
	}

	atomic.AddUint64(&s.stats.Deletes, 1)
	return nil
}

// Update replaces primaryKey's record, per C9's update operation
// (delete-then-reinsert under the same primary key, per spec.md §3).
func (s *Shard) Update(rec *types.Record) error {
	var oldPoint *types.GeoPoint
	var oldID uint64
	hadOld := false
	if s.qt != nil {
		if fl, ok := s.idx.GetForward(rec.PrimaryKey); ok {
			oldPoint = geoPoint(s.Schema, fl.Record)
			oldID = fl.RecordID
			hadOld = true
		}
	}

	if err := s.idx.UpdateRecord(rec, s.analyzer); err != nil {
		return err
	}

	if s.qt != nil {
		if hadOld && oldPoint != nil {
			s.qt.Remove(geo.Element{Point: *oldPoint, ForwardListID: oldID})
		}
		if p := geoPoint(s.Schema, rec); p != nil {
			if fl, ok := s.idx.GetForward(rec.PrimaryKey); ok {
				s.qt.Insert(geo.Element{Point: *p, ForwardListID: fl.RecordID})
			}
		}
	}

	atomic.AddUint64(&s.stats.Updates, 1)
	return nil
}

// SubmitFeedback records that primaryKey was selected as relevant for
// queryKey (spec.md §4.4/§4.5's feedback signal), so a subsequent
// Search for the same queryKey with FeedbackEligible set boosts it. It
// is a no-op error if primaryKey does not currently resolve to a live
// record.
func (s *Shard) SubmitFeedback(queryKey, primaryKey string, when time.Time) error {
	fl, ok := s.idx.GetForward(primaryKey)
	if !ok {
		return fmt.Errorf("shard: %w: %s", types.ErrNotFound, primaryKey)
	}
	s.feedback.Record(queryKey, fl.RecordID, when)
	return nil
}

// Merge folds every pending write into a fresh, atomically published
// readview, per C9's merge operation.
func (s *Shard) Merge() {
	s.idx.Merge()
}

// Save persists the shard's current state to its archive, per C9's
// save operation. Callers should Merge first so the archive reflects
// every write.
func (s *Shard) Save() error {
	forward, inverted := s.idx.Export()
	return store.SaveShard(s.archive, s.Schema, s.analyzerKind, s.trie, forward, inverted, s.qt)
}

// Export returns the shard's forward and inverted lists, per C9's
// export operation (used by pkg/migration to stream a shard's data to
// a new owner without going through the archive file).
func (s *Shard) Export() (forward []*index.ForwardList, inverted []*index.InvertedList) {
	return s.idx.Export()
}

// Trie returns the shard's fuzzy-prefix index, for pkg/migration to
// export alongside Export's forward/inverted lists.
func (s *Shard) Trie() *trie.Trie { return s.trie }

// Quadtree returns the shard's geo index, or nil for a non-geo schema.
func (s *Shard) Quadtree() *geo.Quadtree { return s.qt }

// AnalyzerKind returns the tag identifying which analyser implementation
// this shard was configured with, part of the persisted state layout
// spec.md §6 describes.
func (s *Shard) AnalyzerKind() string { return s.analyzerKind }

// ImportArchive replaces the shard's entire index state with one
// streamed in from another node, per pkg/migration's move/copy
// protocol. Callers on the source side are expected to have quiesced
// writes first (an exclusive shard lock, held for the duration of the
// stream); ImportArchive itself performs no coordination beyond
// installing the incoming state.
func (s *Shard) ImportArchive(t *trie.Trie, forward []*index.ForwardList, inverted []*index.InvertedList, qt *geo.Quadtree, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trie = t
	s.idx = index.Load(s.Schema, t, cfg.MergeConfig, forward, inverted)
	if s.Schema.IndexType == types.IndexKeywordGeo {
		s.qt = qt
	}
}

// Close releases the shard's archive handle.
func (s *Shard) Close() error {
	return s.archive.Close()
}

// queryLatencyTimer starts a metrics.Timer for this shard's query
// latency histogram; callers defer the returned func to record it.
func (s *Shard) queryLatencyTimer() func() {
	t := metrics.NewTimer()
	return func() { t.ObserveDurationVec(metrics.QueryLatency, s.ID) }
}
