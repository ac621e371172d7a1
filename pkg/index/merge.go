package index

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/metrics"
)

// Histogram holds the optimiser's cost-model statistics over a shard's
// inverted index: total record count, per-keyword document frequency,
// and the average posting-list length. The ranker uses DocFreq to
// derive idf; the optimiser uses AvgListLen to estimate scan cost.
type Histogram struct {
	TotalRecords int
	DocFreq      map[uint64]int
	AvgListLen   float64
}

func newHistogram() Histogram {
	return Histogram{DocFreq: make(map[uint64]int)}
}

// Stats returns a copy of the current histogram snapshot.
func (idx *Index) Stats() Histogram {
	idx.histMu.RLock()
	defer idx.histMu.RUnlock()
	cp := Histogram{TotalRecords: idx.hist.TotalRecords, AvgListLen: idx.hist.AvgListLen}
	cp.DocFreq = make(map[uint64]int, len(idx.hist.DocFreq))
	for k, v := range idx.hist.DocFreq {
		cp.DocFreq[k] = v
	}
	return cp
}

// idf returns the inverse document frequency for a keyword touched by
// docFreq postings out of totalRecords, using the classic smoothed
// log form so a keyword present in every record still scores above
// zero.
func idf(totalRecords, docFreq int) float64 {
	if totalRecords == 0 || docFreq == 0 {
		return 0
	}
	return math.Log(1.0 + float64(totalRecords)/float64(docFreq))
}

// Commit is an alias for Merge kept for callers that think in terms of
// "make pending writes visible" rather than the LSM-style term.
func (idx *Index) Commit() {
	idx.Merge()
}

// Merge folds every pending write since the last merge into a freshly
// built directory and atomically publishes it. Readers holding an
// older Readview continue to observe the prior, still-consistent
// snapshot (spec.md §4.2's copy-on-write discipline); nothing is ever
// mutated in place under a reader's feet.
//
// Work is split across idx.cfg.Workers goroutines, each claiming one
// dirty keyword id at a time from a shared atomic cursor; the calling
// goroutine blocks on a condition variable until every worker reports
// done, mirroring the dispatcher/worker handshake spec.md describes
// for merge parallelism.
func (idx *Index) Merge() {
	idx.writeMu.Lock()
	if idx.writesSinceMerge == 0 {
		idx.writeMu.Unlock()
		return
	}

	pendingForward := idx.pendingForward
	pendingDeletes := idx.pendingDeletes
	dirtyKeywords := make([]uint64, 0, len(idx.pendingPostings))
	for kw := range idx.pendingPostings {
		dirtyKeywords = append(dirtyKeywords, kw)
	}
	pendingPostings := idx.pendingPostings
	writes := idx.writesSinceMerge

	idx.pendingForward = make(map[uint64]*ForwardList)
	idx.pendingPK = make(map[string]uint64)
	idx.pendingDeletes = make(map[uint64]bool)
	idx.pendingPostings = make(map[uint64][]uint64)
	idx.writesSinceMerge = 0
	rank := idx.rank
	idx.writeMu.Unlock()

	started := time.Now()
	old := idx.dir.Load()

	for id := range pendingDeletes {
		fl, ok := old.forward[id]
		if !ok {
			continue
		}
		for _, e := range fl.Entries {
			if _, dirty := pendingPostings[e.KeywordID]; !dirty {
				pendingPostings[e.KeywordID] = nil
				dirtyKeywords = append(dirtyKeywords, e.KeywordID)
			}
		}
	}

	next := &directory{
		forward:    make(map[uint64]*ForwardList, len(old.forward)+len(pendingForward)),
		pkToID:     make(map[string]uint64, len(old.pkToID)+len(pendingForward)),
		inverted:   make(map[uint64]*InvertedList, len(old.inverted)),
		generation: old.generation + 1,
	}
	for id, fl := range old.forward {
		if pendingDeletes[id] {
			continue
		}
		next.forward[id] = fl
		next.pkToID[fl.PrimaryKey] = id
	}
	for id, fl := range pendingForward {
		if pendingDeletes[id] {
			continue
		}
		next.forward[id] = fl
		next.pkToID[fl.PrimaryKey] = id
	}
	for kw, list := range old.inverted {
		cp := &InvertedList{KeywordID: kw, Postings: append([]InvertedEntry(nil), list.Postings...)}
		next.inverted[kw] = cp
	}

	totalRecords := len(next.forward)
	var invMu sync.Mutex

	dispatcher := newMergeDispatcher(dirtyKeywords, idx.cfg.Workers, func(kwID uint64) {
		idx.mergeKeyword(next, &invMu, kwID, pendingPostings[kwID], pendingDeletes, totalRecords, rank)
	})
	dispatcher.run()

	idx.dir.Store(next)
	metrics.ReadviewGeneration.Set(float64(next.generation))

	idx.trie.RecomputeScores(func(kwID uint64) float64 {
		list := next.inverted[kwID]
		if list == nil || len(list.Postings) == 0 {
			return 0
		}
		return list.Postings[0].Score
	})

	idx.refreshHistogramIfDue(next, writes)

	metrics.MergeDuration.Observe(time.Since(started).Seconds())
	metrics.MergesTotal.Inc()
	metrics.DirtyListsAtMerge.Observe(float64(len(dirtyKeywords)))
	log.WithComponent("index").Debug().Int("writes_folded", writes).Int("keywords_touched", len(dirtyKeywords)).Dur("elapsed", time.Since(started)).Msg("merge complete")
}

// mergeKeyword recomputes one keyword's posting list: drop postings for
// deleted records, append/refresh postings for dirty record ids, then
// re-sort. Only the touched subset is rescored; the untouched tail of
// the existing readview carries its previously finalised scores
// forward unchanged, per spec.md §4.2's "newly appended entries" wording.
func (idx *Index) mergeKeyword(next *directory, invMu *sync.Mutex, kwID uint64, touchedIDs []uint64, deletes map[uint64]bool, totalRecords int, rank RankingExpression) {
	invMu.Lock()
	list := next.inverted[kwID]
	if list == nil {
		list = &InvertedList{KeywordID: kwID}
		next.inverted[kwID] = list
	}
	invMu.Unlock()

	docFreq := idx.countDocFreq(next, kwID)
	idfValue := idf(totalRecords, docFreq)

	touchedSet := make(map[uint64]bool, len(touchedIDs))
	for _, id := range touchedIDs {
		touchedSet[id] = true
	}

	fresh := make([]InvertedEntry, 0, len(list.Postings)+len(touchedIDs))
	for _, p := range list.Postings {
		if deletes[p.RecordID] || touchedSet[p.RecordID] {
			continue
		}
		if _, stillLive := next.forward[p.RecordID]; !stillLive {
			continue
		}
		fresh = append(fresh, p)
	}
	for _, id := range touchedIDs {
		fl, ok := next.forward[id]
		if !ok {
			continue
		}
		entry := fl.entry(kwID)
		textRel := entry.TextRel * idfValue
		score := rank(fl.Length, 1.0, textRel)
		fresh = append(fresh, InvertedEntry{RecordID: id, Score: score})
	}

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Score != fresh[j].Score {
			return fresh[i].Score > fresh[j].Score
		}
		return fresh[i].RecordID < fresh[j].RecordID
	})

	list.Postings = fresh
	if len(list.Postings) == 0 {
		invMu.Lock()
		delete(next.inverted, kwID)
		invMu.Unlock()
		idx.trie.DeleteKeywordByID(kwID)
	}
}

func (idx *Index) countDocFreq(next *directory, kwID uint64) int {
	count := 0
	for _, fl := range next.forward {
		for i := range fl.Entries {
			if fl.Entries[i].KeywordID == kwID {
				count++
				break
			}
		}
	}
	return count
}

// refreshHistogramIfDue recomputes the cost-model histogram once every
// StatsEveryMerges merges or StatsEveryWrites writes, whichever comes
// first, so optimiser planning cost stays bounded without recomputing
// statistics on every single merge.
func (idx *Index) refreshHistogramIfDue(next *directory, writes int) {
	idx.mergesSinceStats++

	due := idx.mergesSinceStats >= idx.cfg.StatsEveryMerges || idx.writesSinceStats >= idx.cfg.StatsEveryWrites
	if !due {
		return
	}

	h := newHistogram()
	h.TotalRecords = len(next.forward)
	total := 0
	for kw, list := range next.inverted {
		h.DocFreq[kw] = len(list.Postings)
		total += len(list.Postings)
	}
	if len(next.inverted) > 0 {
		h.AvgListLen = float64(total) / float64(len(next.inverted))
	}

	idx.histMu.Lock()
	idx.hist = h
	idx.histMu.Unlock()

	idx.mergesSinceStats = 0
	idx.writesSinceStats = 0
}

// mergeDispatcher hands out one dirty keyword id at a time to a fixed
// worker pool via an atomic cursor, blocking the caller on a condition
// variable until every worker has drained the queue and reported done.
type mergeDispatcher struct {
	keywords []uint64
	cursor   int64
	workers  int
	work     func(kwID uint64)

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
}

func newMergeDispatcher(keywords []uint64, workers int, work func(kwID uint64)) *mergeDispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &mergeDispatcher{keywords: keywords, workers: workers, work: work}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *mergeDispatcher) run() {
	if len(d.keywords) == 0 {
		return
	}

	n := d.workers
	if n > len(d.keywords) {
		n = len(d.keywords)
	}

	d.mu.Lock()
	d.pending = n
	d.mu.Unlock()

	for i := 0; i < n; i++ {
		go d.workerLoop()
	}

	d.mu.Lock()
	for d.pending > 0 {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

func (d *mergeDispatcher) workerLoop() {
	for {
		i := atomic.AddInt64(&d.cursor, 1) - 1
		if i >= int64(len(d.keywords)) {
			break
		}
		d.work(d.keywords[i])
	}
	d.mu.Lock()
	d.pending--
	isDataReady := d.pending == 0
	d.mu.Unlock()
	if isDataReady {
		d.cond.Broadcast()
	}
}
