// Package trie implements C1: the in-memory fuzzy/prefix keyword index.
//
// Each distinct keyword inserted across every searchable attribute of a
// shard shares one trie. A query prefix is matched against the trie by
// maintaining an ActiveNodeSet: the set of trie nodes whose prefix is
// within edit distance k of some prefix of the query, extended one
// character at a time as the caller (typically the ranker driving a TVL
// merge) consumes the query left to right. Nodes that have been consumed
// for their full length become "pivotal" and their edit distance is
// frozen (the PAN distance) for the remainder of the query: every leaf
// beneath a pivotal node is a valid completion at that same distance,
// since extending a matched prefix further never needs more edits.
package trie

import (
	"math"
	"sort"
	"sync"
)

// Node is one trie node. Nodes are never deleted; a keyword removed from
// the corpus simply clears its terminal flag, so outstanding iterators
// never observe a dangling pointer.
type Node struct {
	id       uint64
	parent   *Node
	edge     rune
	depth    int
	children map[rune]*Node

	terminal  bool
	keywordID uint64

	maxScore float64
}

// ID returns the node's stable identifier.
func (n *Node) ID() uint64 { return n.id }

// Terminal reports whether this node ends a live keyword.
func (n *Node) Terminal() bool { return n.terminal }

// KeywordID returns the node's keyword id. Valid only when Terminal().
func (n *Node) KeywordID() uint64 { return n.keywordID }

// Depth returns the node's depth (the length of its prefix).
func (n *Node) Depth() int { return n.depth }

// Prefix reconstructs the keyword prefix this node represents.
func (n *Node) Prefix() string {
	if n.parent == nil {
		return ""
	}
	runes := make([]rune, n.depth)
	for c := n; c.parent != nil; c = c.parent {
		runes[c.depth-1] = c.edge
	}
	return string(runes)
}

// Trie is a thread-safe prefix trie over keywords. Insertion is
// serialised; active-node computation only reads the structure and may
// run concurrently with other reads, matching the reader/writer
// discipline spec.md applies to every index structure.
type Trie struct {
	mu          sync.RWMutex
	root        *Node
	nextNodeID  uint64
	nextKwID    uint64
	count       int
	byKeywordID map[uint64]*Node
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{
		root: &Node{id: 0, children: make(map[rune]*Node)},
	}
}

// Root returns the trie's root node.
func (t *Trie) Root() *Node {
	return t.root
}

// Len returns the number of live keywords in the trie.
func (t *Trie) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// InsertKeyword inserts s if absent, (re)marks it terminal and returns
// its keyword id. Re-inserting a keyword that was soft-deleted restores
// it under the same keyword id.
func (t *Trie) InsertKeyword(s string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.path(s)
	if !node.terminal {
		if node.keywordID == 0 {
			t.nextKwID++
			node.keywordID = t.nextKwID
			if t.byKeywordID == nil {
				t.byKeywordID = make(map[uint64]*Node)
			}
			t.byKeywordID[node.keywordID] = node
		}
		node.terminal = true
		t.count++
	}
	return node.keywordID
}

// path walks s from the root, creating any missing nodes along the way,
// and returns the node for the full string. Shared by InsertKeyword and
// Load.
func (t *Trie) path(s string) *Node {
	node := t.root
	for _, ch := range s {
		child, ok := node.children[ch]
		if !ok {
			t.nextNodeID++
			child = &Node{
				id:       t.nextNodeID,
				parent:   node,
				edge:     ch,
				depth:    node.depth + 1,
				children: make(map[rune]*Node),
			}
			node.children[ch] = child
		}
		node = child
	}
	return node
}

// NodeByKeywordID returns the node holding keyword id, if it was ever
// assigned.
func (t *Trie) NodeByKeywordID(id uint64) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byKeywordID[id]
	return n, ok
}

// DeleteKeywordByID clears the terminal flag for the node holding
// keyword id, used by the index merge step when a keyword's inverted
// list becomes empty.
func (t *Trie) DeleteKeywordByID(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byKeywordID[id]
	if !ok || !n.terminal {
		return
	}
	n.terminal = false
	t.count--
}

// DeleteKeyword clears the terminal flag for s, if present. The node
// itself is retained so concurrent ActiveNodeSets keep a stable tree.
func (t *Trie) DeleteKeyword(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, ch := range s {
		child, ok := node.children[ch]
		if !ok {
			return
		}
		node = child
	}
	if node.terminal {
		node.terminal = false
		t.count--
	}
}

// LookupExact returns the node for s and whether it is currently a live
// keyword.
func (t *Trie) LookupExact(s string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.root
	for _, ch := range s {
		child, ok := node.children[ch]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, node.terminal
}

// LookupPrefixNode returns the node reached by walking prefix from the
// root, regardless of whether that node is itself terminal; this is the
// subtree Continuations walks for prefix/autosuggest lookups.
func (t *Trie) LookupPrefixNode(prefix string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.root
	for _, ch := range prefix {
		child, ok := node.children[ch]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

// Continuations returns the keyword id of every live keyword in n's
// subtree (n included), implementing spec.md §4.1's lookup_prefix: a
// prefix query matches every terminal node reachable beneath the
// prefix's node, not just an exact-length match.
func (t *Trie) Continuations(n *Node) []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []uint64
	var walk func(cur *Node)
	walk = func(cur *Node) {
		if cur.terminal {
			out = append(out, cur.keywordID)
		}
		for _, ch := range sortedKeys(cur.children) {
			walk(cur.children[ch])
		}
	}
	walk(n)
	return out
}

// UpdateScore raises the running max score recorded at node and every
// ancestor, maintaining the invariant that GetMaxScoreInSubtree never
// under-reports any leaf beneath it. It never lowers a score; callers
// rebuild the trie's scores wholesale (via RecomputeScores) after
// deletions that could have invalidated the monotonic bound.
func (t *Trie) UpdateScore(n *Node, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := n; c != nil; c = c.parent {
		if score > c.maxScore {
			c.maxScore = score
		} else {
			break
		}
	}
}

// GetMaxScoreInSubtree returns the best score known to exist anywhere in
// n's subtree.
func (t *Trie) GetMaxScoreInSubtree(n *Node) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.maxScore
}

// RecomputeScores rebuilds every node's maxScore bottom-up from a
// per-keyword scorer, used after a merge pass folds deletions into the
// structure.
func (t *Trie) RecomputeScores(score func(keywordID uint64) float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var walk func(n *Node) float64
	walk = func(n *Node) float64 {
		best := 0.0
		if n.terminal {
			best = score(n.keywordID)
		}
		for _, ch := range sortedKeys(n.children) {
			if s := walk(n.children[ch]); s > best {
				best = s
			}
		}
		n.maxScore = best
		return best
	}
	walk(t.root)
}

func sortedKeys(m map[rune]*Node) []rune {
	keys := make([]rune, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Entry is one live keyword as seen by Export/Load, the trie archive
// format spec.md §6 calls out as part of a shard's persisted state
// layout.
type Entry struct {
	KeywordID uint64
	Keyword   string
}

// Export returns every live keyword in keyword-id order, suitable for
// writing to a trie archive. Soft-deleted keywords (terminal cleared by
// DeleteKeyword/DeleteKeywordByID) are omitted; their ids are never
// reused, so re-inserting the remaining entries through Load
// reconstructs the same keyword-id assignment.
func (t *Trie) Export() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, t.count)
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.terminal {
			entries = append(entries, Entry{KeywordID: n.keywordID, Keyword: n.Prefix()})
		}
		for _, ch := range sortedKeys(n.children) {
			walk(n.children[ch])
		}
	}
	walk(t.root)
	sort.Slice(entries, func(i, j int) bool { return entries[i].KeywordID < entries[j].KeywordID })
	return entries
}

// Load rebuilds a trie from an archive produced by Export, restoring
// every keyword under its original id even across gaps left by
// soft-deleted keywords that Export omitted.
func Load(entries []Entry) *Trie {
	t := New()
	t.byKeywordID = make(map[uint64]*Node)
	for _, e := range entries {
		node := t.path(e.Keyword)
		node.terminal = true
		node.keywordID = e.KeywordID
		t.byKeywordID[e.KeywordID] = node
		t.count++
		if e.KeywordID > t.nextKwID {
			t.nextKwID = e.KeywordID
		}
	}
	return t
}

// EditDistanceThreshold computes the maximum edit distance tolerated for
// a query of the given length at the given required similarity, per
// spec.md §4.1: threshold = floor(L * (1 - similarity + epsilon)).
func EditDistanceThreshold(length int, similarity float64) int {
	const epsilon = 1e-7
	return int(math.Floor(float64(length) * (1 - similarity + epsilon)))
}
