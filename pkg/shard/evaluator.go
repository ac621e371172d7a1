package shard

import (
	"sort"
	"time"

	"github.com/cuemby/lexis/pkg/acl"
	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/plan"
	"github.com/cuemby/lexis/pkg/rank"
	"github.com/cuemby/lexis/pkg/trie"
)

// Scoring constants for fuzzy term matches and geo proximity, per
// spec.md §4.4/§4.3. The spec names these as free parameters
// (prefixPenalty, similarityBoost, MIN_SEARCH_RANGE, MIN_DISTANCE_SCORE)
// without pinning values; these defaults favour gently decaying scores
// over sharp cutoffs.
const (
	defaultPrefixPenalty   = 0.8
	defaultSimilarityBoost = 0.9
	minSearchRange         = 1.0
	minDistanceScore       = 0.1
)

// evaluator implements plan.Evaluator against one shard's point-in-time
// readviews, applying the caller's attribute filter to every posting it
// yields (spec.md §4.6's isValidTermPositionHit).
type evaluator struct {
	idxRV    *index.Readview
	geoRV    *geo.Readview
	trie     *trie.Trie
	filter   acl.AttributeFilter
	feedback *FeedbackStore // nil when the query carries no feedback signal
	queryKey string
}

// sliceIterator adapts a pre-materialised slice of postings to
// plan.Iterator; every evaluator method here builds its result set
// eagerly since a shard's readviews are already in-memory snapshots.
type sliceIterator struct {
	postings []plan.Posting
	pos      int
}

func newSliceIterator(postings []plan.Posting) *sliceIterator {
	return &sliceIterator{postings: postings}
}

func (it *sliceIterator) Next() (plan.Posting, bool) {
	if it.pos >= len(it.postings) {
		return plan.Posting{}, false
	}
	p := it.postings[it.pos]
	it.pos++
	return p, true
}

func (it *sliceIterator) Close() {}

// isValidTermPositionHit reports whether kwID's occurrence in fl lies in
// a searchable attribute the caller's filter permits (spec.md §4.6).
func isValidTermPositionHit(fl *index.ForwardList, kwID uint64, filter acl.AttributeFilter) bool {
	for i := range fl.Entries {
		if fl.Entries[i].KeywordID != kwID {
			continue
		}
		bitmap := fl.Entries[i].AttrBitmap
		for attrIdx := 0; attrIdx < 64; attrIdx++ {
			if bitmap&(uint64(1)<<uint(attrIdx)) == 0 {
				continue
			}
			if filter.SearchableAllowed(attrIdx) {
				return true
			}
		}
		return false
	}
	return false
}

func (e *evaluator) exactPostings(kwID uint64) []plan.Posting {
	list, ok := e.idxRV.Inverted(kwID)
	if !ok {
		return nil
	}
	out := make([]plan.Posting, 0, len(list.Postings))
	for _, p := range list.Postings {
		fl, ok := e.idxRV.Forward(p.RecordID)
		if !ok || !fl.Valid || !isValidTermPositionHit(fl, kwID, e.filter) {
			continue
		}
		out = append(out, plan.Posting{RecordID: p.RecordID, Score: p.Score})
	}
	return out
}

// fuzzyPostings expands term across its active-node set at editThreshold,
// scoring each matched keyword's postings via rank.TermRuntimeScore and
// folding duplicate record hits (a record matching two fuzzy variants of
// the same term) by keeping the higher score, the aggregate_OR rule
// applied across term variants rather than across sibling clauses.
func (e *evaluator) fuzzyPostings(term string, editThreshold int) []plan.Posting {
	set := trie.ComputeActiveNodes(e.trie, term, editThreshold)
	it := trie.GetLeafIterator(set)

	byRecord := make(map[uint64]float64)
	for {
		m, ok := it.Next()
		if !ok {
			break
		}
		if !m.LeafNode.Terminal() {
			continue
		}
		kwID := m.LeafNode.KeywordID()
		list, ok := e.idxRV.Inverted(kwID)
		if !ok {
			continue
		}
		isPrefix := m.LeafNode.Prefix() != term
		for _, p := range list.Postings {
			fl, ok := e.idxRV.Forward(p.RecordID)
			if !ok || !fl.Valid || !isValidTermPositionHit(fl, kwID, e.filter) {
				continue
			}
			score := rank.TermRuntimeScore(p.Score, m.Distance, len(term), isPrefix, defaultPrefixPenalty, defaultSimilarityBoost)
			if cur, exists := byRecord[p.RecordID]; !exists || score > cur {
				byRecord[p.RecordID] = score
			}
		}
	}

	out := make([]plan.Posting, 0, len(byRecord))
	for id, score := range byRecord {
		out = append(out, plan.Posting{RecordID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out
}

// prefixPostings collects every live keyword beneath prefix's trie node
// (including prefix itself, if it happens to be a whole keyword) and
// unions their postings, scored by rank.TermRuntimeScore at edit
// distance 0 (a continuation is not a typo, just a shorter query), per
// spec.md §4.1's lookup_prefix and §4.5's SuggestionList description.
// Duplicate record hits across continuations keep the higher score,
// same aggregate_OR rule fuzzyPostings applies across term variants.
func (e *evaluator) prefixPostings(prefix string) []plan.Posting {
	node, ok := e.trie.LookupPrefixNode(prefix)
	if !ok {
		return nil
	}

	byRecord := make(map[uint64]float64)
	for _, kwID := range e.trie.Continuations(node) {
		list, ok := e.idxRV.Inverted(kwID)
		if !ok {
			continue
		}
		for _, p := range list.Postings {
			fl, ok := e.idxRV.Forward(p.RecordID)
			if !ok || !fl.Valid || !isValidTermPositionHit(fl, kwID, e.filter) {
				continue
			}
			if cur, exists := byRecord[p.RecordID]; !exists || p.Score > cur {
				byRecord[p.RecordID] = p.Score
			}
		}
	}

	out := make([]plan.Posting, 0, len(byRecord))
	for id, score := range byRecord {
		out = append(out, plan.Posting{RecordID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out
}

// OpenPrefixByScore implements plan.Evaluator's prefix/autosuggest
// continuation path.
func (e *evaluator) OpenPrefixByScore(prefix string) plan.Iterator {
	return newSliceIterator(e.prefixPostings(prefix))
}

// VerifyPrefix implements plan.Evaluator's random-access counterpart to
// OpenPrefixByScore: recordID matches if any continuation of prefix
// occurs in one of its searchable attributes, keeping the
// highest-scoring continuation's posting score.
func (e *evaluator) VerifyPrefix(recordID uint64, prefix string) (float64, bool) {
	fl, ok := e.idxRV.Forward(recordID)
	if !ok || !fl.Valid {
		return 0, false
	}
	node, ok := e.trie.LookupPrefixNode(prefix)
	if !ok {
		return 0, false
	}

	best, found := 0.0, false
	for _, kwID := range e.trie.Continuations(node) {
		if !isValidTermPositionHit(fl, kwID, e.filter) {
			continue
		}
		list, ok := e.idxRV.Inverted(kwID)
		if !ok {
			continue
		}
		for _, p := range list.Postings {
			if p.RecordID != recordID {
				continue
			}
			if !found || p.Score > best {
				best, found = p.Score, true
			}
		}
	}
	return best, found
}

// TermPositions returns the occurrence positions term recorded in
// recordID's forward list, for OpPhraseSearch's slop computation
// (spec.md §4.4's phraseScore = andScore * sloppyFreq). editThreshold
// mirrors termPostings' exact/fuzzy split: a fuzzy phrase leaf resolves
// to whichever matching keyword scores best, same as VerifyTerm.
func (e *evaluator) TermPositions(recordID uint64, term string, editThreshold int) ([]int, bool) {
	fl, ok := e.idxRV.Forward(recordID)
	if !ok || !fl.Valid {
		return nil, false
	}

	if editThreshold <= 0 {
		node, ok := e.trie.LookupExact(term)
		if !ok || !node.Terminal() {
			return nil, false
		}
		return positionsFor(fl, node.KeywordID())
	}

	set := trie.ComputeActiveNodes(e.trie, term, editThreshold)
	it := trie.GetLeafIterator(set)
	bestScore, bestKwID := -1.0, uint64(0)
	found := false
	for {
		m, ok := it.Next()
		if !ok {
			break
		}
		if !m.LeafNode.Terminal() {
			continue
		}
		kwID := m.LeafNode.KeywordID()
		if !isValidTermPositionHit(fl, kwID, e.filter) {
			continue
		}
		list, ok := e.idxRV.Inverted(kwID)
		if !ok {
			continue
		}
		for _, p := range list.Postings {
			if p.RecordID != recordID {
				continue
			}
			score := rank.TermRuntimeScore(p.Score, m.Distance, len(term), m.LeafNode.Prefix() != term, defaultPrefixPenalty, defaultSimilarityBoost)
			if !found || score > bestScore {
				bestScore, bestKwID, found = score, kwID, true
			}
		}
	}
	if !found {
		return nil, false
	}
	return positionsFor(fl, bestKwID)
}

// positionsFor returns the position list fl's forward entry for kwID
// carries, empty when the schema indexes no positions for this shard.
func positionsFor(fl *index.ForwardList, kwID uint64) ([]int, bool) {
	for i := range fl.Entries {
		if fl.Entries[i].KeywordID == kwID {
			return fl.Entries[i].Positions, true
		}
	}
	return nil, false
}

// FeedbackBoost implements plan.Evaluator: it looks up recordID's
// feedback signal under this evaluator's query key and returns the
// multiplier a FeedbackCapable operator applies to its score, or 1 when
// there is none (spec.md §4.4's compute_feedback_boost, floored at 1).
func (e *evaluator) FeedbackBoost(recordID uint64) float64 {
	if e.feedback == nil {
		return 1
	}
	recencySec, freq, ok := e.feedback.Lookup(e.queryKey, recordID, time.Now())
	if !ok {
		return 1
	}
	return rank.FeedbackBoost(recencySec, freq)
}

func (e *evaluator) termPostings(term string, editThreshold int) []plan.Posting {
	if editThreshold <= 0 {
		node, ok := e.trie.LookupExact(term)
		if !ok || !node.Terminal() {
			return nil
		}
		return e.exactPostings(node.KeywordID())
	}
	return e.fuzzyPostings(term, editThreshold)
}

// OpenTermByScore implements plan.Evaluator.
func (e *evaluator) OpenTermByScore(term string, editThreshold int) plan.Iterator {
	return newSliceIterator(e.termPostings(term, editThreshold))
}

// OpenTermById implements plan.Evaluator.
func (e *evaluator) OpenTermById(term string, editThreshold int) plan.Iterator {
	postings := append([]plan.Posting(nil), e.termPostings(term, editThreshold)...)
	sort.Slice(postings, func(i, j int) bool { return postings[i].RecordID < postings[j].RecordID })
	return newSliceIterator(postings)
}

// VerifyTerm implements plan.Evaluator's random-access verification path.
func (e *evaluator) VerifyTerm(recordID uint64, term string, editThreshold int) (float64, bool) {
	fl, ok := e.idxRV.Forward(recordID)
	if !ok || !fl.Valid {
		return 0, false
	}

	if editThreshold <= 0 {
		node, ok := e.trie.LookupExact(term)
		if !ok || !node.Terminal() || !isValidTermPositionHit(fl, node.KeywordID(), e.filter) {
			return 0, false
		}
		list, ok := e.idxRV.Inverted(node.KeywordID())
		if !ok {
			return 0, false
		}
		for _, p := range list.Postings {
			if p.RecordID == recordID {
				return p.Score, true
			}
		}
		return 0, false
	}

	set := trie.ComputeActiveNodes(e.trie, term, editThreshold)
	it := trie.GetLeafIterator(set)
	best, found := 0.0, false
	for {
		m, ok := it.Next()
		if !ok {
			break
		}
		if !m.LeafNode.Terminal() {
			continue
		}
		kwID := m.LeafNode.KeywordID()
		if !isValidTermPositionHit(fl, kwID, e.filter) {
			continue
		}
		list, ok := e.idxRV.Inverted(kwID)
		if !ok {
			continue
		}
		for _, p := range list.Postings {
			if p.RecordID != recordID {
				continue
			}
			score := rank.TermRuntimeScore(p.Score, m.Distance, len(term), m.LeafNode.Prefix() != term, defaultPrefixPenalty, defaultSimilarityBoost)
			if !found || score > best {
				best, found = score, true
			}
		}
	}
	return best, found
}

func (e *evaluator) geoPostings(shape geo.Shape) []plan.Posting {
	if e.geoRV == nil {
		return nil
	}
	circle, isCircle := shape.(geo.Circle)

	it := e.geoRV.RangeQuery(shape)
	var out []plan.Posting
	for {
		el, ok := it.Next()
		if !ok {
			break
		}
		fl, ok := e.idxRV.Forward(el.ForwardListID)
		if !ok || !fl.Valid {
			continue
		}
		score := 1.0
		if isCircle {
			dist := geo.Distance(circle.Center, el.Point)
			score = geo.GeoScore(circle.Radius, dist, minSearchRange, minDistanceScore)
		}
		out = append(out, plan.Posting{RecordID: el.ForwardListID, Score: score})
	}
	return out
}

// OpenGeoByScore implements plan.Evaluator.
func (e *evaluator) OpenGeoByScore(shape geo.Shape) plan.Iterator {
	postings := e.geoPostings(shape)
	sort.Slice(postings, func(i, j int) bool {
		if postings[i].Score != postings[j].Score {
			return postings[i].Score > postings[j].Score
		}
		return postings[i].RecordID < postings[j].RecordID
	})
	return newSliceIterator(postings)
}

// OpenGeoById implements plan.Evaluator.
func (e *evaluator) OpenGeoById(shape geo.Shape) plan.Iterator {
	postings := e.geoPostings(shape)
	sort.Slice(postings, func(i, j int) bool { return postings[i].RecordID < postings[j].RecordID })
	return newSliceIterator(postings)
}

// VerifyGeo implements plan.Evaluator's random-access verification path
// for Geo nodes.
func (e *evaluator) VerifyGeo(recordID uint64, shape geo.Shape) (float64, bool) {
	fl, ok := e.idxRV.Forward(recordID)
	if !ok || !fl.Valid || fl.Record.Geo == nil {
		return 0, false
	}
	if !shape.ContainsPoint(*fl.Record.Geo) {
		return 0, false
	}
	if c, ok := shape.(geo.Circle); ok {
		dist := geo.Distance(c.Center, *fl.Record.Geo)
		return geo.GeoScore(c.Radius, dist, minSearchRange, minDistanceScore), true
	}
	return 1.0, true
}
