// Package plan implements C6/C7: the logical query plan, the physical
// operator arena, and the cost-based optimiser that turns one into the
// other (spec.md §4.5).
//
// Deep physical-operator "inheritance" and cyclic parent/child
// references are both replaced with the same idiom: a flat arena of
// tagged-variant nodes addressed by index, per spec.md §9's design
// note. Nothing in this package ever holds a *Node pointer back to its
// parent.
package plan

import "github.com/cuemby/lexis/pkg/geo"

// LogicalKind tags a LogicalNode's variant.
type LogicalKind int

const (
	LogicalTerm LogicalKind = iota
	LogicalPhrase
	LogicalAnd
	LogicalOr
	LogicalNot
	LogicalGeo
)

func (k LogicalKind) String() string {
	switch k {
	case LogicalTerm:
		return "Term"
	case LogicalPhrase:
		return "Phrase"
	case LogicalAnd:
		return "And"
	case LogicalOr:
		return "Or"
	case LogicalNot:
		return "Not"
	case LogicalGeo:
		return "Geo"
	default:
		return "Unknown"
	}
}

// Aggregate selects how a boolean combinator folds its children's
// per-record scores (pkg/rank's AggregateAND/OR/NOT).
type Aggregate int

const (
	AggregateSum Aggregate = iota
	AggregateMax
	AggregateComplement
)

// LogicalNode is one node of the logical query tree the caller (or
// pkg/plan's own query-string parser) builds before optimisation.
// Exactly one payload group is meaningful per Kind; this is the
// "tagged variant, dispatch via a switch" idiom spec.md §9 asks for in
// place of a class hierarchy.
type LogicalNode struct {
	Kind LogicalKind

	// LogicalTerm / leaf of LogicalPhrase.
	Term          string
	EditThreshold int
	IsPrefix      bool // suggestion/autocomplete mode

	// LogicalPhrase.
	SlopTolerance int

	// LogicalAnd / LogicalOr.
	Aggregate Aggregate

	// LogicalGeo.
	Shape geo.Shape

	Children []*LogicalNode
}

// Term builds a LogicalTerm leaf.
func Term(text string, editThreshold int) *LogicalNode {
	return &LogicalNode{Kind: LogicalTerm, Term: text, EditThreshold: editThreshold}
}

// Prefix builds a LogicalTerm leaf in prefix/suggestion mode.
func Prefix(text string) *LogicalNode {
	return &LogicalNode{Kind: LogicalTerm, Term: text, IsPrefix: true}
}

// And builds a LogicalAnd node over children, aggregating by sum.
func And(children ...*LogicalNode) *LogicalNode {
	return &LogicalNode{Kind: LogicalAnd, Aggregate: AggregateSum, Children: children}
}

// Or builds a LogicalOr node over children, aggregating by max.
func Or(children ...*LogicalNode) *LogicalNode {
	return &LogicalNode{Kind: LogicalOr, Aggregate: AggregateMax, Children: children}
}

// Not wraps a single child, aggregating via complement.
func Not(child *LogicalNode) *LogicalNode {
	return &LogicalNode{Kind: LogicalNot, Aggregate: AggregateComplement, Children: []*LogicalNode{child}}
}

// PhraseOf builds a LogicalPhrase over ordered term leaves with the
// given slop tolerance.
func PhraseOf(slop int, terms ...*LogicalNode) *LogicalNode {
	return &LogicalNode{Kind: LogicalPhrase, SlopTolerance: slop, Children: terms}
}

// GeoWithin builds a LogicalGeo node over a shape.
func GeoWithin(shape geo.Shape) *LogicalNode {
	return &LogicalNode{Kind: LogicalGeo, Shape: shape}
}
