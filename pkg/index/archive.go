package index

import (
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
)

// Export returns the current readview's forward and inverted lists, the
// forward- and inverted-index archives spec.md §6's persisted state
// layout names. Callers should Merge before exporting so the archive
// reflects every write, not just what has already been folded in.
func (idx *Index) Export() (forward []*ForwardList, inverted []*InvertedList) {
	dir := idx.dir.Load()
	forward = make([]*ForwardList, 0, len(dir.forward))
	for _, fl := range dir.forward {
		forward = append(forward, fl)
	}
	inverted = make([]*InvertedList, 0, len(dir.inverted))
	for _, il := range dir.inverted {
		inverted = append(inverted, il)
	}
	return forward, inverted
}

// Load rebuilds an Index directly from forward/inverted archives and a
// trie already restored via trie.Load, skipping the merge step entirely
// since the archives are already in their merged, consistent form.
func Load(schema *types.Schema, t *trie.Trie, cfg MergeConfig, forward []*ForwardList, inverted []*InvertedList) *Index {
	idx := New(schema, t, cfg)

	dir := emptyDirectory()
	var maxID uint64
	for _, fl := range forward {
		dir.forward[fl.RecordID] = fl
		dir.pkToID[fl.PrimaryKey] = fl.RecordID
		if fl.RecordID >= maxID {
			maxID = fl.RecordID + 1
		}
	}
	for _, il := range inverted {
		dir.inverted[il.KeywordID] = il
	}
	idx.dir.Store(dir)
	idx.nextRecordID = maxID

	idx.histMu.Lock()
	idx.hist = newHistogram()
	idx.hist.TotalRecords = len(forward)
	var totalPostings int
	for _, il := range inverted {
		idx.hist.DocFreq[il.KeywordID] = len(il.Postings)
		totalPostings += len(il.Postings)
	}
	if len(inverted) > 0 {
		idx.hist.AvgListLen = float64(totalPostings) / float64(len(inverted))
	}
	idx.histMu.Unlock()

	return idx
}
