package plan

import (
	"fmt"

	"github.com/cuemby/lexis/pkg/types"
)

// maxAlternatives bounds how many candidate subtrees the optimiser
// will track across the whole build, per spec.md §4.5's 500-alternative
// cap. It is enforced by keeping, at each logical node, only the
// cheapest candidate per output Property rather than every Cartesian
// combination — three properties per node times the tree's node count
// stays well under the cap for any plan a real query produces.
const maxAlternatives = 500

// candidate is one buildable physical subtree rooted at a given arena
// index, achieving a given output property at a given estimated cost.
type candidate struct {
	nodeIdx int
	output  Property
	cost    float64
}

// Build compiles a logical plan into a physical operator arena, picking
// the minimum-cost tree whose root is sorted by score (wrapping with
// SortByScore if nothing cheaper already provides it). k bounds the
// top-k cardinality used for cost estimation and MergeTopK/
// GeoNearestNeighbor sizing; pass a large k for get-all-results queries
// (degraded internally by the caller once estimated cardinality exceeds
// its cap, per spec.md §4.5).
func Build(logical *LogicalNode, k int, cm CostModel, feedbackEligible bool) (*Arena, error) {
	a := &Arena{}
	built := 0

	best, err := buildNode(a, logical, k, cm, &built)
	if err != nil {
		return nil, err
	}

	root := pickCheapest(best)
	if root == nil {
		return nil, fmt.Errorf("plan: %w: no buildable alternative for root node", types.ErrPlanUnbuildable)
	}
	if a.Nodes[root.nodeIdx].Kind.isRandomAccessOnly() {
		return nil, fmt.Errorf("plan: %w: root operator cannot drive iteration on its own", types.ErrPlanUnbuildable)
	}

	rootIdx := root.nodeIdx
	if root.output != SortedByScore {
		rootIdx = wrapSort(a, root.nodeIdx, OpSortByScore, SortedByScore)
	}
	if feedbackEligible {
		rootIdx = markFeedbackPath(a, rootIdx)
	}
	a.Root = rootIdx
	a.Nodes[rootIdx].Parent = -1
	return a, nil
}

// buildNode returns the set of buildable candidates for logical,
// keyed implicitly by output property (at most one candidate per
// property is retained, the cheapest).
func buildNode(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) (map[Property]candidate, error) {
	if *built >= maxAlternatives {
		return nil, fmt.Errorf("plan: %w: alternative cap exceeded", types.ErrPlanUnbuildable)
	}

	switch logical.Kind {
	case LogicalTerm:
		return buildTerm(a, logical, k, cm, built), nil
	case LogicalGeo:
		return buildGeo(a, logical, k, cm, built), nil
	case LogicalAnd:
		return buildAnd(a, logical, k, cm, built)
	case LogicalOr:
		return buildOr(a, logical, k, cm, built)
	case LogicalNot:
		return buildNot(a, logical, k, cm, built)
	case LogicalPhrase:
		return buildPhrase(a, logical, k, cm, built)
	default:
		return nil, fmt.Errorf("plan: %w: unknown logical kind %v", types.ErrPlanUnbuildable, logical.Kind)
	}
}

func buildTerm(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) map[Property]candidate {
	est := cm.EstimatedResultCount(logical.Term)
	out := make(map[Property]candidate)

	if logical.IsPrefix {
		idx := a.add(Node{Kind: OpSuggestionList, Output: SortedByScore, Term: logical.Term, Parent: -1})
		*built++
		out[SortedByScore] = candidate{idx, SortedByScore, treeCost(cm, OpSuggestionList, k, est)}
		return out
	}

	tvlIdx := a.add(Node{Kind: OpTVL, Output: SortedByScore, Term: logical.Term, EditThreshold: logical.EditThreshold, Parent: -1})
	*built++
	out[SortedByScore] = candidate{tvlIdx, SortedByScore, treeCost(cm, OpTVL, k, est)}

	scanIdx := a.add(Node{Kind: OpSimpleScan, Output: SortedById, Term: logical.Term, EditThreshold: logical.EditThreshold, Parent: -1})
	*built++
	out[SortedById] = candidate{scanIdx, SortedById, treeCost(cm, OpSimpleScan, k, est)}

	raIdx := a.add(Node{Kind: OpRandomAccessTerm, Output: Unsorted, Term: logical.Term, EditThreshold: logical.EditThreshold, Parent: -1})
	*built++
	out[Unsorted] = candidate{raIdx, Unsorted, treeCost(cm, OpRandomAccessTerm, k, est)}

	return out
}

func buildGeo(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) map[Property]candidate {
	est := cm.EstimatedResultCount("geo")
	out := make(map[Property]candidate)

	nnIdx := a.add(Node{Kind: OpGeoNearestNeighbor, Output: SortedByScore, Shape: logical.Shape, K: k, Parent: -1})
	*built++
	out[SortedByScore] = candidate{nnIdx, SortedByScore, treeCost(cm, OpGeoNearestNeighbor, k, est)}

	scanIdx := a.add(Node{Kind: OpGeoSimpleScan, Output: SortedById, Shape: logical.Shape, Parent: -1})
	*built++
	out[SortedById] = candidate{scanIdx, SortedById, treeCost(cm, OpGeoSimpleScan, k, est)}

	raIdx := a.add(Node{Kind: OpRandomAccessGeo, Output: Unsorted, Shape: logical.Shape, Parent: -1})
	*built++
	out[Unsorted] = candidate{raIdx, Unsorted, treeCost(cm, OpRandomAccessGeo, k, est)}

	return out
}

// childCandidates builds every child's candidate map and reports
// whether every child produced at least one non-random-access-only
// alternative (a combinator whose every child is random-access-only
// can never drive iteration and is unbuildable, per spec.md §4.5's
// "prunes all-random-access combinations").
func childCandidates(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) ([]map[Property]candidate, error) {
	children := make([]map[Property]candidate, len(logical.Children))
	for i, child := range logical.Children {
		cands, err := buildNode(a, child, k, cm, built)
		if err != nil {
			return nil, err
		}
		children[i] = cands
	}
	return children, nil
}

func buildAnd(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) (map[Property]candidate, error) {
	children, err := childCandidates(a, logical, k, cm, built)
	if err != nil {
		return nil, err
	}
	out := make(map[Property]candidate)

	if idx, cost, ok := combine(a, children, SortedByScore, OpMergeTopK, SortedByScore, cm, k, logical.Aggregate, true); ok {
		out[SortedByScore] = candidate{idx, SortedByScore, cost}
	}
	if idx, cost, ok := combine(a, children, SortedById, OpMergeSortedById, SortedById, cm, k, logical.Aggregate, false); ok {
		if c, exists := out[SortedById]; !exists || cost < c.cost {
			out[SortedById] = candidate{idx, SortedById, cost}
		}
	}
	if idx, cost, ok := combineShortestList(a, children, cm, k, logical.Aggregate); ok {
		if c, exists := out[SortedByScore]; !exists || cost < c.cost {
			out[SortedByScore] = candidate{idx, SortedByScore, cost}
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("plan: %w: AND node has no buildable driving alternative", types.ErrPlanUnbuildable)
	}
	*built += len(out)
	return out, nil
}

func buildOr(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) (map[Property]candidate, error) {
	children, err := childCandidates(a, logical, k, cm, built)
	if err != nil {
		return nil, err
	}
	out := make(map[Property]candidate)

	if idx, cost, ok := combine(a, children, SortedById, OpUnionSortedById, SortedById, cm, k, logical.Aggregate, false); ok {
		out[SortedById] = candidate{idx, SortedById, cost}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("plan: %w: OR node has no buildable driving alternative", types.ErrPlanUnbuildable)
	}
	*built += len(out)
	return out, nil
}

func buildNot(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) (map[Property]candidate, error) {
	children, err := childCandidates(a, logical, k, cm, built)
	if err != nil {
		return nil, err
	}
	child := pickCheapest(children[0])
	if child == nil {
		return nil, fmt.Errorf("plan: %w: NOT node's child has no buildable alternative", types.ErrPlanUnbuildable)
	}
	idx := a.add(Node{Kind: OpRandomAccessNot, Output: Unsorted, Children: []int{child.nodeIdx}, Parent: -1})
	a.Nodes[child.nodeIdx].Parent = idx
	*built++
	return map[Property]candidate{Unsorted: {idx, Unsorted, cm.OpenCost(OpRandomAccessNot) + child.cost + cm.CloseCost(OpRandomAccessNot)}}, nil
}

func buildPhrase(a *Arena, logical *LogicalNode, k int, cm CostModel, built *int) (map[Property]candidate, error) {
	andNode := &LogicalNode{Kind: LogicalAnd, Aggregate: AggregateSum, Children: logical.Children}
	andCands, err := buildAnd(a, andNode, k, cm, built)
	if err != nil {
		return nil, err
	}
	inner := pickCheapest(andCands)
	if inner == nil {
		return nil, fmt.Errorf("plan: %w: phrase's AND core has no buildable alternative", types.ErrPlanUnbuildable)
	}
	idx := a.add(Node{
		Kind:          OpPhraseSearch,
		Output:        SortedByScore,
		Children:      []int{inner.nodeIdx},
		SlopTolerance: logical.SlopTolerance,
		Parent:        -1,
	})
	a.Nodes[inner.nodeIdx].Parent = idx
	*built++
	est := cm.EstimatedResultCount(logical.Term)
	return map[Property]candidate{
		SortedByScore: {idx, SortedByScore, treeCost(cm, OpPhraseSearch, k, est, inner.cost)},
	}, nil
}

// combine builds one parent operator over every child's alternative at
// requiredProp, injecting a SortById/SortByScore operator ahead of any
// child whose cheapest matching alternative isn't already in that
// property (spec.md §4.5's "injects SortByScore/SortById where outputs
// do not match").
func combine(a *Arena, children []map[Property]candidate, requiredProp Property, kind PhysicalKind, outputProp Property, cm CostModel, k int, agg Aggregate, feedbackCapable bool) (int, float64, bool) {
	childIdxs := make([]int, 0, len(children))
	costs := make([]float64, 0, len(children))
	for _, cands := range children {
		c, ok := cands[requiredProp]
		if !ok {
			alt := pickCheapest(cands)
			if alt == nil || a.Nodes[alt.nodeIdx].Kind.isRandomAccessOnly() {
				return 0, 0, false // a verifier-only child cannot drive a sorted merge
			}
			wrapKind := OpSortById
			if requiredProp == SortedByScore {
				wrapKind = OpSortByScore
			}
			idx := wrapSort(a, alt.nodeIdx, wrapKind, requiredProp)
			c = candidate{idx, requiredProp, alt.cost + cm.OpenCost(wrapKind) + cm.CloseCost(wrapKind)}
		}
		childIdxs = append(childIdxs, c.nodeIdx)
		costs = append(costs, c.cost)
	}

	est := 0
	for range childIdxs {
		est += k
	}
	idx := a.add(Node{Kind: kind, Output: outputProp, Children: childIdxs, Aggregate: agg, K: k, FeedbackCapable: feedbackCapable, Parent: -1})
	for _, ci := range childIdxs {
		a.Nodes[ci].Parent = idx
	}
	return idx, treeCost(cm, kind, k, est, costs...), true
}

// combineShortestList builds MergeByShortestList: the child with the
// smallest estimated cardinality drives iteration, the rest are
// verified by random access.
func combineShortestList(a *Arena, children []map[Property]candidate, cm CostModel, k int, agg Aggregate) (int, float64, bool) {
	if len(children) == 0 {
		return 0, 0, false
	}
	childIdxs := make([]int, len(children))
	costs := make([]float64, len(children))
	hasDriver := false
	for i, cands := range children {
		c := pickCheapest(cands)
		if c == nil {
			return 0, 0, false
		}
		if !a.Nodes[c.nodeIdx].Kind.isRandomAccessOnly() {
			hasDriver = true
		}
		childIdxs[i] = c.nodeIdx
		costs[i] = c.cost
	}
	if !hasDriver {
		return 0, 0, false // every child is verifier-only; nothing can drive iteration
	}
	idx := a.add(Node{Kind: OpMergeByShortestList, Output: SortedByScore, Children: childIdxs, Aggregate: agg, K: k, Parent: -1})
	for _, ci := range childIdxs {
		a.Nodes[ci].Parent = idx
	}
	total := 0.0
	for _, c := range costs {
		total += c
	}
	return idx, treeCost(cm, OpMergeByShortestList, k, k, total), true
}

func wrapSort(a *Arena, childIdx int, kind PhysicalKind, output Property) int {
	idx := a.add(Node{Kind: kind, Output: output, Children: []int{childIdx}, Parent: -1})
	a.Nodes[childIdx].Parent = idx
	return idx
}

func pickCheapest(cands map[Property]candidate) *candidate {
	var best *candidate
	for _, c := range cands {
		if best == nil || c.cost < best.cost {
			cc := c
			best = &cc
		}
	}
	return best
}

// markFeedbackPath marks the root operator as feedback-capable if it
// already applies the boost internally (MergeTopK, SortByScore), or
// wraps it in a feedback-capable SortByScore otherwise, per spec.md
// §4.5. Returns the (possibly new) root index.
func markFeedbackPath(a *Arena, rootIdx int) int {
	n := &a.Nodes[rootIdx]
	if n.FeedbackCapable {
		return rootIdx
	}
	if n.Kind == OpSortByScore {
		n.FeedbackCapable = true
		return rootIdx
	}
	wrapped := wrapSort(a, rootIdx, OpSortByScore, SortedByScore)
	a.Nodes[wrapped].FeedbackCapable = true
	return wrapped
}
