package plan

import "github.com/cuemby/lexis/pkg/geo"

// Property is an operator's output (or a parent's required input)
// ordering guarantee.
type Property int

const (
	Unsorted Property = iota
	SortedById
	SortedByScore
)

func (p Property) String() string {
	switch p {
	case SortedById:
		return "SortedById"
	case SortedByScore:
		return "SortedByScore"
	default:
		return "Unsorted"
	}
}

// PhysicalKind tags one physical operator variant (spec.md §4.5's
// table of per-logical-node physical alternatives).
type PhysicalKind int

const (
	OpTVL PhysicalKind = iota
	OpSimpleScan
	OpRandomAccessTerm
	OpSuggestionList

	OpMergeTopK
	OpMergeByShortestList
	OpMergeSortedById
	OpRandomAccessAnd

	OpUnionSortedById
	OpRandomAccessOr

	OpRandomAccessNot

	OpPhraseSearch

	OpGeoNearestNeighbor
	OpGeoSimpleScan
	OpRandomAccessGeo

	OpSortByScore
	OpSortById
)

func (k PhysicalKind) String() string {
	names := [...]string{
		"TVL", "SimpleScan", "RandomAccessTerm", "SuggestionList",
		"MergeTopK", "MergeByShortestList", "MergeSortedById", "RandomAccessAnd",
		"UnionSortedById", "RandomAccessOr",
		"RandomAccessNot",
		"PhraseSearch",
		"GeoNearestNeighbor", "GeoSimpleScan", "RandomAccessGeo",
		"SortByScore", "SortById",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// isRandomAccessOnly reports whether an operator can only verify a
// candidate (verifyByRandomAccess) and can never drive iteration
// itself; a tree made up entirely of such operators is unbuildable.
func (k PhysicalKind) isRandomAccessOnly() bool {
	switch k {
	case OpRandomAccessTerm, OpRandomAccessAnd, OpRandomAccessOr, OpRandomAccessGeo, OpRandomAccessNot:
		return true
	default:
		return false
	}
}

// Node is one arena-addressed physical operator. Parent and Children
// are indices into the owning Arena's Nodes slice, never pointers, so
// the parent/child cycle spec.md §9 flags never actually exists in
// memory.
type Node struct {
	Kind     PhysicalKind
	Parent   int // -1 for the arena root
	Children []int
	Output   Property

	// Leaf payload (Term/Geo variants).
	Term          string
	EditThreshold int
	Shape         geo.Shape

	// Combinator payload (And/Or/Phrase variants).
	Aggregate     Aggregate
	SlopTolerance int

	// Top-k operators (MergeTopK, GeoNearestNeighbor).
	K int

	// FeedbackCapable marks operators that apply the feedback boost
	// internally (MergeTopK, SortByScore) rather than needing a
	// wrapping SortByScore injected purely for that purpose.
	FeedbackCapable bool

	EstimatedCost float64
}

// Arena owns every physical operator node of one compiled plan.
type Arena struct {
	Nodes []Node
	Root  int
}

func (a *Arena) add(n Node) int {
	a.Nodes = append(a.Nodes, n)
	return len(a.Nodes) - 1
}
