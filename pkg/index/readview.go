package index

// Readview is an immutable, point-in-time snapshot of the forward and
// inverted index, safe to read from any number of goroutines without
// locking: a Merge that runs concurrently swaps the Index's directory
// pointer but never mutates the structures this Readview already
// holds.
type Readview struct {
	dir *directory
}

// GetReadview captures the currently published directory. The caller
// should hold the Readview only as long as needed for one query; an
// old Readview pins its generation's structures in memory (Go's GC
// handles reclamation once the last Readview referencing a generation
// is dropped, so there is no explicit Release step here, unlike the
// reference-counted quadtree generations in pkg/geo).
func (idx *Index) GetReadview() *Readview {
	return &Readview{dir: idx.dir.Load()}
}

// Generation returns the readview's directory generation number.
func (r *Readview) Generation() uint64 { return r.dir.generation }

// Forward returns the forward list for an internal record id.
func (r *Readview) Forward(recordID uint64) (*ForwardList, bool) {
	fl, ok := r.dir.forward[recordID]
	return fl, ok
}

// ForwardByPrimaryKey resolves a primary key to its forward list.
func (r *Readview) ForwardByPrimaryKey(primaryKey string) (*ForwardList, bool) {
	id, ok := r.dir.pkToID[primaryKey]
	if !ok {
		return nil, false
	}
	return r.Forward(id)
}

// Inverted returns the posting list for a keyword id, already sorted
// descending by score with ties broken by ascending record id.
func (r *Readview) Inverted(keywordID uint64) (*InvertedList, bool) {
	list, ok := r.dir.inverted[keywordID]
	return list, ok
}

// RecordCount returns the number of live records visible in this
// snapshot.
func (r *Readview) RecordCount() int {
	return len(r.dir.forward)
}

// VerifyByRandomAccess re-derives whether recordID actually contains
// keywordID by scanning its forward list directly, bypassing the
// inverted index entirely. The optimiser's physical plan uses this to
// validate a posting pulled from a stale or speculative list before
// trusting it (spec.md §9's verifyByRandomAccess operator contract).
func (r *Readview) VerifyByRandomAccess(recordID, keywordID uint64) bool {
	fl, ok := r.dir.forward[recordID]
	if !ok {
		return false
	}
	for i := range fl.Entries {
		if fl.Entries[i].KeywordID == keywordID {
			return true
		}
	}
	return false
}
