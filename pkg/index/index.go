// Package index implements C2: the per-shard forward and inverted
// index. Writes accumulate in a pending writeview guarded by a single
// merge mutex; a periodic or write-count-triggered merge folds them
// into a new, wholesale-replaced readview, so readers never block
// writers and writers never block readers (spec.md §4.2's concurrency
// contract).
package index

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
)

// ForwardEntry is one (keyword, score, attribute bitmap, positions)
// tuple inside a record's forward list.
type ForwardEntry struct {
	KeywordID   uint64
	TermFreq    int
	AttrBitmap  uint64 // bit i set => searchable attribute i contains this keyword
	Positions   []int  // occurrence positions, retained only when PositionIndexEnabled
	TextRel     float64 // tf * Σ field boosts; merge multiplies by idf when scoring the posting
}

// ForwardList is a record's complete forward index row.
type ForwardList struct {
	RecordID   uint64
	PrimaryKey string
	Record     *types.Record
	Entries    []ForwardEntry
	Length     int // total token count, used by the ranking expression
	Valid      bool
}

func (f *ForwardList) entry(kwID uint64) *ForwardEntry {
	for i := range f.Entries {
		if f.Entries[i].KeywordID == kwID {
			return &f.Entries[i]
		}
	}
	f.Entries = append(f.Entries, ForwardEntry{KeywordID: kwID})
	return &f.Entries[len(f.Entries)-1]
}

// InvertedEntry is one posting: a record id and its finalised score.
type InvertedEntry struct {
	RecordID uint64
	Score    float64
}

// InvertedList is a keyword's sorted-by-score posting list, published as
// an immutable snapshot (directory.inverted); Readview holders never see
// it mutate in place.
type InvertedList struct {
	KeywordID uint64
	Postings  []InvertedEntry // sorted: descending score, ties ascending record id
}

// directory is one immutable, atomically-swapped snapshot of every
// index structure: trie membership is tracked separately (the trie is
// its own concurrency domain) but forward/inverted/pk mappings are
// swapped together so a Readview observes a single consistent version.
type directory struct {
	forward    map[uint64]*ForwardList
	pkToID     map[string]uint64
	inverted   map[uint64]*InvertedList
	generation uint64
}

func emptyDirectory() *directory {
	return &directory{
		forward:  make(map[uint64]*ForwardList),
		pkToID:   make(map[string]uint64),
		inverted: make(map[uint64]*InvertedList),
	}
}

// RankingExpression computes a record's final score from its length,
// record-level boost (always 1.0 in this port; spec.md's Record has no
// per-record boost field) and pre-multiplied text relevance.
type RankingExpression func(recordLength int, recordBoost, textRelevance float64) float64

// DefaultRankingExpression applies no length normalisation beyond the
// tf/idf already folded into textRelevance.
func DefaultRankingExpression(_ int, recordBoost, textRelevance float64) float64 {
	return recordBoost * textRelevance
}

// MergeConfig controls when merge runs automatically and how often
// optimiser statistics are refreshed.
type MergeConfig struct {
	Interval        time.Duration // merge at least this often
	WriteThreshold  int           // or after this many writes, whichever first
	StatsEveryMerges int          // refresh histogram every P merges...
	StatsEveryWrites int          // ...or every Q writes, whichever first
	Workers          int          // parallel merge worker count
}

// DefaultMergeConfig mirrors typical teacher defaults: a short interval,
// a modest write threshold, and a small worker pool.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		Interval:         5 * time.Second,
		WriteThreshold:   1000,
		StatsEveryMerges: 5,
		StatsEveryWrites: 5000,
		Workers:          4,
	}
}

// Index is a shard's forward+inverted index.
type Index struct {
	schema *types.Schema
	trie   *trie.Trie
	rank   RankingExpression
	cfg    MergeConfig

	dir atomic.Pointer[directory]

	writeMu         sync.Mutex
	nextRecordID    uint64
	pendingForward  map[uint64]*ForwardList
	pendingPK       map[string]uint64
	pendingDeletes  map[uint64]bool
	pendingPostings map[uint64][]uint64 // keyword id -> newly-touched record ids since last merge
	writesSinceMerge int
	writesSinceStats int
	mergesSinceStats int
	lastMergeAt      time.Time

	histMu sync.RWMutex
	hist   Histogram
}

// New returns an empty index over schema, backed by t.
func New(schema *types.Schema, t *trie.Trie, cfg MergeConfig) *Index {
	idx := &Index{
		schema:          schema,
		trie:            t,
		rank:            DefaultRankingExpression,
		cfg:             cfg,
		pendingForward:  make(map[uint64]*ForwardList),
		pendingPK:       make(map[string]uint64),
		pendingDeletes:  make(map[uint64]bool),
		pendingPostings: make(map[uint64][]uint64),
		lastMergeAt:     time.Now(),
	}
	idx.dir.Store(emptyDirectory())
	return idx
}

// SetRankingExpression overrides the default scoring expression.
func (idx *Index) SetRankingExpression(fn RankingExpression) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	idx.rank = fn
}

// AddStatus is the result of AddRecord.
type AddStatus int

const (
	AddOK AddStatus = iota
	AddDuplicatePrimaryKey
)

// AddRecord tokenises rec's searchable attributes via az, assigns or
// looks up keyword ids, and appends to the pending writeview. It
// returns AddDuplicatePrimaryKey without touching any structure if the
// primary key is already live, per spec.md §7.
func (idx *Index) AddRecord(rec *types.Record, az analyzer.Analyzer) (AddStatus, error) {
	if rec.PrimaryKey == "" {
		return AddOK, fmt.Errorf("index: %w: empty primary key", types.ErrValidation)
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	dir := idx.dir.Load()
	if id, exists := dir.pkToID[rec.PrimaryKey]; exists && !idx.pendingDeletes[id] {
		return AddDuplicatePrimaryKey, fmt.Errorf("index: %w: %s", types.ErrDuplicatePrimaryKey, rec.PrimaryKey)
	}
	if id, exists := idx.pendingPK[rec.PrimaryKey]; exists && !idx.pendingDeletes[id] {
		return AddDuplicatePrimaryKey, fmt.Errorf("index: %w: %s", types.ErrDuplicatePrimaryKey, rec.PrimaryKey)
	}

	id := idx.nextRecordID
	idx.nextRecordID++

	fl := &ForwardList{RecordID: id, PrimaryKey: rec.PrimaryKey, Record: rec, Valid: true}

	for attrIdx, values := range rec.Searchable {
		if attrIdx >= len(idx.schema.Searchable) {
			return AddOK, fmt.Errorf("index: %w: attribute index %d out of schema range", types.ErrValidation, attrIdx)
		}
		boost := idx.schema.Searchable[attrIdx].Boost
		for _, v := range values {
			for _, tok := range az.Analyze(v) {
				kwID := idx.trie.InsertKeyword(tok.Text)
				e := fl.entry(kwID)
				e.TermFreq++
				e.AttrBitmap |= uint64(1) << uint(attrIdx%64)
				e.TextRel += float64(boost) // tf*boost accumulator; idf folded in at merge
				if idx.schema.PositionIndexMode == types.PositionIndexEnabled {
					e.Positions = append(e.Positions, tok.Position)
				}
				fl.Length++
				idx.pendingPostings[kwID] = append(idx.pendingPostings[kwID], id)
			}
		}
	}

	idx.pendingForward[id] = fl
	idx.pendingPK[rec.PrimaryKey] = id
	idx.writesSinceMerge++
	idx.writesSinceStats++

	log.WithComponent("index").Debug().Str("primary_key", rec.PrimaryKey).Uint64("record_id", id).Msg("record added to writeview")
	return AddOK, nil
}

// resolveID finds a record's internal id, searching the pending
// writeview before the published readview.
func (idx *Index) resolveID(primaryKey string) (uint64, bool) {
	if id, ok := idx.pendingPK[primaryKey]; ok {
		return id, !idx.pendingDeletes[id]
	}
	dir := idx.dir.Load()
	id, ok := dir.pkToID[primaryKey]
	if !ok {
		return 0, false
	}
	return id, !idx.pendingDeletes[id]
}

// DeleteRecord marks primaryKey invalid; the next merge removes it from
// every touched inverted list.
func (idx *Index) DeleteRecord(primaryKey string) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	id, live := idx.resolveID(primaryKey)
	if !live {
		return fmt.Errorf("index: %w: %s", types.ErrNotFound, primaryKey)
	}
	idx.pendingDeletes[id] = true
	idx.writesSinceMerge++
	idx.writesSinceStats++
	return nil
}

// RecoverRecord undeletes internalID if it was invalidated within the
// current (not yet merged) write generation, per spec.md §4.2 — used to
// roll back UpdateRecord when the re-insert step fails.
func (idx *Index) RecoverRecord(primaryKey string, internalID uint64) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if !idx.pendingDeletes[internalID] {
		return fmt.Errorf("index: %w: %s not pending deletion", types.ErrNotFound, primaryKey)
	}
	delete(idx.pendingDeletes, internalID)
	idx.pendingPK[primaryKey] = internalID
	return nil
}

// UpdateRecord deletes any existing record under rec.PrimaryKey, then
// re-inserts rec. If the insert fails, the old record is recovered so
// the update is all-or-nothing.
func (idx *Index) UpdateRecord(rec *types.Record, az analyzer.Analyzer) error {
	idx.writeMu.Lock()
	oldID, hadOld := idx.resolveID(rec.PrimaryKey)
	if hadOld {
		idx.pendingDeletes[oldID] = true
	}
	idx.writeMu.Unlock()

	_, err := idx.AddRecord(rec, az)
	if err != nil && hadOld {
		if rerr := idx.RecoverRecord(rec.PrimaryKey, oldID); rerr != nil {
			log.Errorf("index: failed to recover record after failed update", rerr)
		}
	}
	return err
}

// GetForward returns the forward list for primaryKey, checking the
// writeview first, as seen under the caller's own lock scope (used by
// read paths that already hold a Readview and need the live writeview
// too, e.g. random-access verification against just-written data).
func (idx *Index) GetForward(primaryKey string) (*ForwardList, bool) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if id, ok := idx.pendingPK[primaryKey]; ok && !idx.pendingDeletes[id] {
		return idx.pendingForward[id], true
	}
	dir := idx.dir.Load()
	id, ok := dir.pkToID[primaryKey]
	if !ok || idx.pendingDeletes[id] {
		return nil, false
	}
	fl := dir.forward[id]
	return fl, fl != nil
}
