package trie

import "sort"

// frontierEntry is a trie node that has not yet consumed its full depth
// worth of query characters: it is still being extended character by
// character and its row may still change.
type frontierEntry struct {
	node *Node
	row  []int // length len(word)+1; row[j] = edit distance(node.Prefix(), word[:j])
}

// pivot is a trie node whose depth equalled len(word) at the moment it
// was discovered within threshold. Its distance is frozen: spec.md's
// "any prefix of q" membership rule is monotonic under query extension,
// so a node that matched q[:d] stays matched as q grows past length d.
type pivot struct {
	node     *Node
	distance int
}

// ActiveNodeSet is the set of trie nodes within edit distance threshold
// of some prefix of word. It is built incrementally: NewActiveNodeSet
// seeds the empty query, and each Extend call appends one rune.
type ActiveNodeSet struct {
	trie      *Trie
	word      []rune
	threshold int

	frontier map[uint64]*frontierEntry
	pivots   []pivot
}

// NewActiveNodeSet returns the active-node set for the empty query.
func NewActiveNodeSet(t *Trie, threshold int) *ActiveNodeSet {
	return &ActiveNodeSet{
		trie:      t,
		threshold: threshold,
		frontier: map[uint64]*frontierEntry{
			t.root.id: {node: t.root, row: []int{0}},
		},
	}
}

// ComputeActiveNodes builds the active-node set for query directly,
// defined as repeated extension from the empty query so that it agrees
// by construction with ComputeActiveNodes(p[:-1], t).Extend(p[-1]) ==
// ComputeActiveNodes(p, t).
func ComputeActiveNodes(t *Trie, query string, threshold int) *ActiveNodeSet {
	set := NewActiveNodeSet(t, threshold)
	for _, ch := range query {
		set = set.Extend(ch)
	}
	return set
}

// Word returns the query prefix this set was built for.
func (s *ActiveNodeSet) Word() string { return string(s.word) }

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func rowMin(row []int) int {
	m := row[0]
	for _, v := range row[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// computeChildRow builds a brand-new row for a node never visited
// before, from its parent's complete row over the current word.
func computeChildRow(parentRow []int, edge rune, word []rune) []int {
	row := make([]int, len(word)+1)
	row[0] = parentRow[0] + 1
	for j := 1; j <= len(word); j++ {
		cost := 1
		if edge == word[j-1] {
			cost = 0
		}
		ins := row[j-1] + 1
		del := parentRow[j] + 1
		rep := parentRow[j-1] + cost
		row[j] = min3(ins, del, rep)
	}
	return row
}

// Extend returns the active-node set for word+ch.
func (s *ActiveNodeSet) Extend(ch rune) *ActiveNodeSet {
	newWord := make([]rune, len(s.word)+1)
	copy(newWord, s.word)
	newWord[len(s.word)] = ch
	newWordLen := len(newWord)

	next := &ActiveNodeSet{
		trie:      s.trie,
		word:      newWord,
		threshold: s.threshold,
		frontier:  make(map[uint64]*frontierEntry),
		pivots:    append([]pivot(nil), s.pivots...),
	}

	// Process existing frontier nodes in parent-before-child order so a
	// child can always find its parent's freshly extended row.
	nodes := make([]*Node, 0, len(s.frontier))
	for _, e := range s.frontier {
		nodes = append(nodes, e.node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].depth < nodes[j].depth })

	newRows := make(map[uint64][]int, len(nodes))
	for _, node := range nodes {
		old := s.frontier[node.id]
		var newLast int
		if node.parent == nil {
			newLast = old.row[len(old.row)-1] + 1
		} else {
			// Invariant: a node is only ever added to the frontier
			// after its parent has been visited, so the parent is
			// always present in both the old frontier and newRows.
			parentOld := s.frontier[node.parent.id]
			parentNew := newRows[node.parent.id]
			parentOldLast := parentOld.row[len(parentOld.row)-1]
			cost := 1
			if node.edge == ch {
				cost = 0
			}
			ins := old.row[len(old.row)-1] + 1
			del := parentNew[len(parentNew)-1] + 1
			rep := parentOldLast + cost
			newLast = min3(ins, del, rep)
		}

		newRow := make([]int, len(old.row)+1)
		copy(newRow, old.row)
		newRow[len(old.row)] = newLast
		newRows[node.id] = newRow

		if node.depth == newWordLen && newLast <= s.threshold {
			next.pivots = append(next.pivots, pivot{node: node, distance: newLast})
			continue
		}
		if rowMin(newRow) > s.threshold {
			continue
		}
		next.frontier[node.id] = &frontierEntry{node: node, row: newRow}

		// Discover children not previously visited.
		for _, childCh := range sortedKeys(node.children) {
			child := node.children[childCh]
			if _, already := s.frontier[child.id]; already {
				continue
			}
			childRow := computeChildRow(newRow, childCh, newWord)
			if child.depth == newWordLen {
				if childRow[len(childRow)-1] <= s.threshold {
					next.pivots = append(next.pivots, pivot{node: child, distance: childRow[len(childRow)-1]})
				}
				continue
			}
			if rowMin(childRow) <= s.threshold {
				next.frontier[child.id] = &frontierEntry{node: child, row: childRow}
			}
		}
	}

	return next
}

// LeafMatch is one fuzzy/prefix completion yielded by a leaf iterator.
type LeafMatch struct {
	PrefixNode *Node
	LeafNode   *Node
	Distance   int
}

// LeafIterator walks the terminal leaves reachable from an
// ActiveNodeSet. It is restartable: Reset rewinds to the first match
// without recomputing the underlying set.
type LeafIterator struct {
	matches []LeafMatch
	pos     int
}

// GetLeafIterator collects every terminal keyword covered by s: leaves
// directly beneath a pivotal node (all sharing that pivot's frozen
// distance), plus any frontier node that is itself a terminal keyword
// shorter than the query but still within threshold of it.
func GetLeafIterator(s *ActiveNodeSet) *LeafIterator {
	var matches []LeafMatch

	for _, p := range s.pivots {
		collectTerminals(p.node, p.node, p.distance, &matches)
	}
	for _, e := range s.frontier {
		if e.node.terminal {
			d := e.row[len(e.row)-1]
			if d <= s.threshold {
				matches = append(matches, LeafMatch{PrefixNode: e.node, LeafNode: e.node, Distance: d})
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].LeafNode.Prefix() < matches[j].LeafNode.Prefix()
	})
	return &LeafIterator{matches: matches}
}

func collectTerminals(pivotNode, n *Node, distance int, out *[]LeafMatch) {
	if n.terminal {
		*out = append(*out, LeafMatch{PrefixNode: pivotNode, LeafNode: n, Distance: distance})
	}
	for _, ch := range sortedKeys(n.children) {
		collectTerminals(pivotNode, n.children[ch], distance, out)
	}
}

// Next returns the next match and advances the cursor, or ok=false when
// exhausted.
func (it *LeafIterator) Next() (LeafMatch, bool) {
	if it.pos >= len(it.matches) {
		return LeafMatch{}, false
	}
	m := it.matches[it.pos]
	it.pos++
	return m, true
}

// Reset rewinds the iterator to the beginning.
func (it *LeafIterator) Reset() { it.pos = 0 }

// Len reports the total number of matches.
func (it *LeafIterator) Len() int { return len(it.matches) }
