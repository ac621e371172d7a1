package plan

import (
	"container/heap"
	"sort"

	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/rank"
)

// Posting is one (record, score) pair flowing between operators.
type Posting struct {
	RecordID uint64
	Score    float64
}

// Iterator is the runtime contract a leaf operator's data source
// implements: Next returns ok=false once exhausted.
type Iterator interface {
	Next() (Posting, bool)
	Close()
}

// Evaluator resolves a plan's leaf operators against live shard data.
// pkg/shard supplies the concrete implementation backed by
// pkg/index.Readview and pkg/geo.Readview; tests supply a fixed-data
// stub.
type Evaluator interface {
	OpenTermByScore(term string, editThreshold int) Iterator
	OpenTermById(term string, editThreshold int) Iterator
	VerifyTerm(recordID uint64, term string, editThreshold int) (float64, bool)

	// OpenPrefixByScore drives OpSuggestionList: every live keyword
	// continuing prefix, not just prefix itself, per spec.md §4.1's
	// lookup_prefix and §4.5's SuggestionList description.
	OpenPrefixByScore(prefix string) Iterator

	// VerifyPrefix is OpSuggestionList's random-access counterpart: it
	// must accept any record matching a continuation of prefix, not
	// just an exact term, when OpSuggestionList is verified rather than
	// driven (e.g. as a non-driving AND child in MergeByShortestList).
	VerifyPrefix(recordID uint64, prefix string) (float64, bool)

	OpenGeoByScore(shape geo.Shape) Iterator
	OpenGeoById(shape geo.Shape) Iterator
	VerifyGeo(recordID uint64, shape geo.Shape) (float64, bool)

	// TermPositions returns recordID's occurrence positions for term,
	// for OpPhraseSearch's slop computation.
	TermPositions(recordID uint64, term string, editThreshold int) ([]int, bool)

	// FeedbackBoost returns the multiplier a FeedbackCapable operator
	// applies to recordID's score (spec.md §4.4/§4.5); 1 when the
	// query carries no feedback signal for recordID.
	FeedbackBoost(recordID uint64) float64
}

// Executor runs one compiled Arena to completion for a single query.
// It is not reusable across queries: Open allocates per-node runtime
// state that Close tears down.
type Executor struct {
	arena *Arena
	eval  Evaluator
	state []nodeState
}

// nodeState is the mutable runtime state of one arena node during
// execution, populated by Open and consumed by GetNext/Close.
type nodeState struct {
	iter     Iterator        // leaf/pass-through operators
	heap     *postingHeap    // MergeTopK
	emitted  int             // MergeTopK: count emitted, for the TA stop condition
	kth      float64         // MergeTopK: score of the kth emitted result so far
	seen     map[uint64]bool // MergeTopK: record ids already taken off the heap
	children []childCursor   // MergeSortedById / UnionSortedById
	driver   int             // MergeByShortestList: index into children of the driving child
	buffer   []Posting       // SortByScore / SortById: materialise-then-sort operators
	bufPos   int
	open     bool

	phraseTerms []phraseTermSpec // OpPhraseSearch: the phrase's ordered term leaves
}

// phraseTermSpec is one OpPhraseSearch leaf's term/editThreshold,
// extracted from the compiled AND core so slop verification can ask
// the evaluator for that exact leaf's per-record positions.
type phraseTermSpec struct {
	term string
	edit int
}

type childCursor struct {
	idx int
	cur Posting
	ok  bool
}

// NewExecutor prepares an executor for arena, to be driven against
// eval.
func NewExecutor(arena *Arena, eval Evaluator) *Executor {
	return &Executor{arena: arena, eval: eval, state: make([]nodeState, len(arena.Nodes))}
}

// Open initialises nodeIdx and (recursively) every operator it reads
// from, per spec.md §4.5's operator lifecycle.
func (e *Executor) Open(nodeIdx int) error {
	n := &e.arena.Nodes[nodeIdx]
	st := &e.state[nodeIdx]
	if st.open {
		return nil
	}
	st.open = true

	switch n.Kind {
	case OpTVL:
		st.iter = e.eval.OpenTermByScore(n.Term, n.EditThreshold)
	case OpSuggestionList:
		st.iter = e.eval.OpenPrefixByScore(n.Term)
	case OpSimpleScan:
		st.iter = e.eval.OpenTermById(n.Term, n.EditThreshold)
	case OpGeoSimpleScan:
		st.iter = e.eval.OpenGeoById(n.Shape)
	case OpGeoNearestNeighbor:
		st.iter = e.eval.OpenGeoByScore(n.Shape)
	case OpRandomAccessTerm, OpRandomAccessGeo, OpRandomAccessAnd, OpRandomAccessOr, OpRandomAccessNot:
		for _, c := range n.Children {
			if err := e.Open(c); err != nil {
				return err
			}
		}
	case OpMergeTopK, OpMergeByShortestList:
		h := &postingHeap{}
		heap.Init(h)
		st.children = make([]childCursor, len(n.Children))
		for i, c := range n.Children {
			if err := e.Open(c); err != nil {
				return err
			}
			st.children[i] = childCursor{idx: c}
			e.advanceChild(&st.children[i])
			if st.children[i].ok {
				heap.Push(h, weightedPosting{source: i, Posting: st.children[i].cur})
			}
		}
		st.heap = h
		st.kth = negInf
		st.driver = 0
		for i, c := range n.Children {
			if !e.arena.Nodes[c].Kind.isRandomAccessOnly() {
				st.driver = i
				break
			}
		}
	case OpMergeSortedById, OpUnionSortedById:
		st.children = make([]childCursor, len(n.Children))
		for i, c := range n.Children {
			if err := e.Open(c); err != nil {
				return err
			}
			st.children[i] = childCursor{idx: c}
			e.advanceChild(&st.children[i])
		}
	case OpPhraseSearch:
		if err := e.Open(n.Children[0]); err != nil {
			return err
		}
		st.phraseTerms = e.phraseTermSpecs(n.Children[0])
	case OpSortByScore, OpSortById:
		if err := e.Open(n.Children[0]); err != nil {
			return err
		}
		st.buffer = e.drain(n.Children[0])
		if n.Kind == OpSortByScore && n.FeedbackCapable {
			e.applyFeedbackBoost(st.buffer)
		}
		sortPostings(st.buffer, n.Output)
	}
	return nil
}

// phraseTermSpecs extracts the (term, editThreshold) pair for each of
// the phrase's AND-core children, unwrapping any SortByScore/SortById
// wrapper the optimiser injected around a term leaf (optimizer.go's
// combine): buildPhrase's AND core is built exclusively from term
// leaves (optimizer.go's buildPhrase), so every path bottoms out at a
// Term-bearing node.
func (e *Executor) phraseTermSpecs(andNodeIdx int) []phraseTermSpec {
	andNode := &e.arena.Nodes[andNodeIdx]
	specs := make([]phraseTermSpec, 0, len(andNode.Children))
	for _, c := range andNode.Children {
		n := &e.arena.Nodes[c]
		for n.Term == "" && len(n.Children) == 1 {
			n = &e.arena.Nodes[n.Children[0]]
		}
		specs = append(specs, phraseTermSpec{term: n.Term, edit: n.EditThreshold})
	}
	return specs
}

// applyFeedbackBoost multiplies every posting's score by its record's
// feedback boost, in place, for a FeedbackCapable SortByScore operator.
func (e *Executor) applyFeedbackBoost(postings []Posting) {
	for i := range postings {
		postings[i].Score *= e.eval.FeedbackBoost(postings[i].RecordID)
	}
}

// GetNext advances nodeIdx and returns its next posting, or ok=false
// once exhausted.
func (e *Executor) GetNext(nodeIdx int) (Posting, bool) {
	n := &e.arena.Nodes[nodeIdx]
	st := &e.state[nodeIdx]

	switch n.Kind {
	case OpTVL, OpSimpleScan, OpSuggestionList, OpGeoSimpleScan, OpGeoNearestNeighbor:
		return st.iter.Next()

	case OpRandomAccessTerm, OpRandomAccessGeo, OpRandomAccessAnd, OpRandomAccessOr, OpRandomAccessNot:
		return Posting{}, false // verifier-only: driving iteration is never valid

	case OpMergeTopK:
		return e.nextMergeTopK(nodeIdx, n, st)

	case OpMergeByShortestList:
		return e.nextMergeByShortestList(nodeIdx, n, st)

	case OpMergeSortedById:
		return e.nextMergeSortedById(st)

	case OpUnionSortedById:
		return e.nextUnionSortedById(st)

	case OpPhraseSearch:
		return e.nextPhrase(n, st)

	case OpSortByScore, OpSortById:
		if st.bufPos >= len(st.buffer) {
			return Posting{}, false
		}
		p := st.buffer[st.bufPos]
		st.bufPos++
		return p, true
	}
	return Posting{}, false
}

// Close tears down nodeIdx and its children.
func (e *Executor) Close(nodeIdx int) {
	n := &e.arena.Nodes[nodeIdx]
	st := &e.state[nodeIdx]
	if st.iter != nil {
		st.iter.Close()
	}
	switch n.Kind {
	case OpMergeTopK, OpMergeByShortestList, OpMergeSortedById, OpUnionSortedById, OpPhraseSearch, OpSortByScore, OpSortById,
		OpRandomAccessTerm, OpRandomAccessGeo, OpRandomAccessAnd, OpRandomAccessOr, OpRandomAccessNot:
		for _, c := range n.Children {
			e.Close(c)
		}
	}
	st.open = false
}

// VerifyByRandomAccess checks whether recordID satisfies nodeIdx
// without driving iteration, returning its contribution score when it
// does (for aggregation by a combining parent).
func (e *Executor) VerifyByRandomAccess(nodeIdx int, recordID uint64) (float64, bool) {
	n := &e.arena.Nodes[nodeIdx]
	switch n.Kind {
	case OpRandomAccessTerm, OpTVL, OpSimpleScan:
		return e.eval.VerifyTerm(recordID, n.Term, n.EditThreshold)
	case OpSuggestionList:
		return e.eval.VerifyPrefix(recordID, n.Term)
	case OpRandomAccessGeo, OpGeoSimpleScan, OpGeoNearestNeighbor:
		return e.eval.VerifyGeo(recordID, n.Shape)
	case OpRandomAccessAnd:
		return e.verifyAnd(n, recordID)
	case OpRandomAccessOr:
		return e.verifyOr(n, recordID)
	case OpRandomAccessNot:
		_, ok := e.VerifyByRandomAccess(n.Children[0], recordID)
		if ok {
			return 0, false
		}
		return 1, true
	case OpPhraseSearch:
		andScore, ok := e.VerifyByRandomAccess(n.Children[0], recordID)
		if !ok {
			return 0, false
		}
		return e.scorePhrase(n.SlopTolerance, e.state[nodeIdx].phraseTerms, recordID, andScore)
	default:
		for _, c := range n.Children {
			if s, ok := e.VerifyByRandomAccess(c, recordID); ok {
				return s, ok
			}
		}
		return 0, false
	}
}

func (e *Executor) verifyAnd(n *Node, recordID uint64) (float64, bool) {
	total := 0.0
	for i, c := range n.Children {
		s, ok := e.VerifyByRandomAccess(c, recordID)
		if !ok {
			return 0, false
		}
		total = combineScore(n.Aggregate, total, s, i)
	}
	return total, true
}

func (e *Executor) verifyOr(n *Node, recordID uint64) (float64, bool) {
	best := 0.0
	matched := false
	for _, c := range n.Children {
		if s, ok := e.VerifyByRandomAccess(c, recordID); ok {
			matched = true
			if s > best {
				best = s
			}
		}
	}
	return best, matched
}

func (e *Executor) advanceChild(c *childCursor) {
	p, ok := e.GetNext(c.idx)
	c.cur, c.ok = p, ok
}

func (e *Executor) drain(nodeIdx int) []Posting {
	var out []Posting
	for {
		p, ok := e.GetNext(nodeIdx)
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

const negInf = -1 << 62

// nextMergeTopK implements the classic Threshold Algorithm: every
// sorted-by-score child contributes at most one candidate to the heap
// at a time; emission stops once the heap's best remaining score
// cannot beat the kth result already emitted.
func (e *Executor) nextMergeTopK(nodeIdx int, n *Node, st *nodeState) (Posting, bool) {
	if st.seen == nil {
		st.seen = make(map[uint64]bool)
	}
	seen := st.seen
	for st.heap.Len() > 0 {
		if n.K > 0 && st.emitted >= n.K && (*st.heap)[0].Score <= st.kth {
			return Posting{}, false
		}
		top := heap.Pop(st.heap).(weightedPosting)
		src := top.source
		id := top.RecordID

		advance := func() {
			e.advanceChild(&st.children[src])
			if st.children[src].ok {
				heap.Push(st.heap, weightedPosting{source: src, Posting: st.children[src].cur})
			}
		}

		if seen[id] {
			advance()
			continue
		}
		seen[id] = true

		agg := e.aggregateAcrossChildren(n, id, top.Score, src)
		advance()
		if agg < 0 {
			continue
		}
		if n.FeedbackCapable {
			agg *= e.eval.FeedbackBoost(id)
		}

		st.emitted++
		st.kth = agg
		return Posting{RecordID: id, Score: agg}, true
	}
	return Posting{}, false
}

// aggregateAcrossChildren folds a record's score across every AND
// child, verifying every non-driving child by random access. Any
// child that does not contain id fails the whole conjunction; the
// caller signals this with a negative return.
func (e *Executor) aggregateAcrossChildren(n *Node, id uint64, driverScore float64, driverSrc int) float64 {
	total := driverScore
	matched := 1
	for i, c := range n.Children {
		if i == driverSrc {
			continue
		}
		s, ok := e.VerifyByRandomAccess(c, id)
		if !ok {
			return -1
		}
		total = combineScore(n.Aggregate, total, s, matched)
		matched++
	}
	return total
}

func combineScore(agg Aggregate, acc, next float64, _ int) float64 {
	switch agg {
	case AggregateMax:
		if next > acc {
			return next
		}
		return acc
	case AggregateComplement:
		return 1 - next
	default:
		return acc + next
	}
}

// nextPhrase drives the AND core candidate by candidate, discarding any
// record whose term positions don't fall within the phrase's slop
// tolerance (spec.md §4.4's phraseScore = andScore * sloppyFreq).
func (e *Executor) nextPhrase(n *Node, st *nodeState) (Posting, bool) {
	for {
		p, ok := e.GetNext(n.Children[0])
		if !ok {
			return Posting{}, false
		}
		score, ok := e.scorePhrase(n.SlopTolerance, st.phraseTerms, p.RecordID, p.Score)
		if !ok {
			continue
		}
		return Posting{RecordID: p.RecordID, Score: score}, true
	}
}

// scorePhrase verifies recordID's phrase positions against terms and,
// if its best alignment falls within slopTolerance, rescales andScore
// by rank.PhraseScore. A one-term phrase has no slop to verify and
// always matches.
func (e *Executor) scorePhrase(slopTolerance int, terms []phraseTermSpec, recordID uint64, andScore float64) (float64, bool) {
	if len(terms) < 2 {
		return andScore, true
	}

	positions := make([][]int, len(terms))
	for i, t := range terms {
		pos, ok := e.eval.TermPositions(recordID, t.term, t.edit)
		if !ok || len(pos) == 0 {
			return 0, false
		}
		sorted := append([]int(nil), pos...)
		sort.Ints(sorted)
		positions[i] = sorted
	}

	slop, ok := minPhraseSlop(positions)
	if !ok || slop > slopTolerance {
		return 0, false
	}
	return rank.PhraseScore(andScore, []int{slop}), true
}

// minPhraseSlop finds the minimum-slop alignment across ordered phrase
// term position lists: for each occurrence of the first term, greedily
// matches each subsequent term to its smallest position after the
// previous match and sums |actualGap-1| (adjacent phrase words expect a
// gap of exactly 1), mirroring the original engine's proximityMatch.
// ok is false if no starting occurrence yields a full alignment.
func minPhraseSlop(positions [][]int) (slop int, ok bool) {
	best, found := 0, false
	for _, start := range positions[0] {
		prev, total, complete := start, 0, true
		for i := 1; i < len(positions); i++ {
			next, ok := firstPositionAfter(positions[i], prev)
			if !ok {
				complete = false
				break
			}
			gap := next - prev
			if gap >= 1 {
				total += gap - 1
			} else {
				total += 1 - gap
			}
			prev = next
		}
		if complete && (!found || total < best) {
			best, found = total, true
		}
	}
	return best, found
}

// firstPositionAfter returns the smallest element of sorted list
// greater than after.
func firstPositionAfter(sorted []int, after int) (int, bool) {
	for _, p := range sorted {
		if p > after {
			return p, true
		}
	}
	return 0, false
}

func (e *Executor) nextMergeByShortestList(nodeIdx int, n *Node, st *nodeState) (Posting, bool) {
	driver := st.driver
	for {
		if !st.children[driver].ok {
			return Posting{}, false
		}
		p := st.children[driver].cur
		e.advanceChild(&st.children[driver])
		score := e.aggregateAcrossChildren(n, p.RecordID, p.Score, driver)
		if score < 0 {
			continue
		}
		return Posting{RecordID: p.RecordID, Score: score}, true
	}
}

// nextMergeSortedById performs a k-way merge of id-sorted children,
// aggregating scores across children that agree on the same id and
// requiring every child to contain it (AND semantics).
func (e *Executor) nextMergeSortedById(st *nodeState) (Posting, bool) {
	for {
		minID, any := uint64(0), false
		for _, c := range st.children {
			if c.ok && (!any || c.cur.RecordID < minID) {
				minID, any = c.cur.RecordID, true
			}
		}
		if !any {
			return Posting{}, false
		}

		total, matched := 0.0, 0
		for i := range st.children {
			if st.children[i].ok && st.children[i].cur.RecordID == minID {
				total += st.children[i].cur.Score
				matched++
				e.advanceChild(&st.children[i])
			}
		}
		if matched == len(st.children) {
			return Posting{RecordID: minID, Score: total}, true
		}
	}
}

// nextUnionSortedById performs an id-sorted union, deduplicating
// across children and aggregating by max (the OR rule).
func (e *Executor) nextUnionSortedById(st *nodeState) (Posting, bool) {
	minID, any := uint64(0), false
	for _, c := range st.children {
		if c.ok && (!any || c.cur.RecordID < minID) {
			minID, any = c.cur.RecordID, true
		}
	}
	if !any {
		return Posting{}, false
	}

	best := 0.0
	for i := range st.children {
		if st.children[i].ok && st.children[i].cur.RecordID == minID {
			if st.children[i].cur.Score > best {
				best = st.children[i].cur.Score
			}
			e.advanceChild(&st.children[i])
		}
	}
	return Posting{RecordID: minID, Score: best}, true
}

func sortPostings(p []Posting, by Property) {
	if by == SortedById {
		sort.Slice(p, func(i, j int) bool { return p[i].RecordID < p[j].RecordID })
		return
	}
	sort.Slice(p, func(i, j int) bool {
		if p[i].Score != p[j].Score {
			return p[i].Score > p[j].Score
		}
		return p[i].RecordID < p[j].RecordID
	})
}

// weightedPosting tags a Posting with the index of the child iterator
// that produced it, for the merge heap.
type weightedPosting struct {
	Posting
	source int
}

// postingHeap orders by descending score (container/heap's Less
// inverted), used by MergeTopK's threshold algorithm.
type postingHeap []weightedPosting

func (h postingHeap) Len() int { return len(h) }
func (h postingHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score > h[j].Score
	}
	return h[i].RecordID < h[j].RecordID
}
func (h postingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *postingHeap) Push(x any)   { *h = append(*h, x.(weightedPosting)) }
func (h *postingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
