package geo

import (
	"sync"

	"github.com/cuemby/lexis/pkg/metrics"
	"github.com/cuemby/lexis/pkg/types"
)

// Element is one indexed geo point, pointing back at its inverted/forward
// list entry.
type Element struct {
	Point         types.GeoPoint
	ForwardListID uint64
}

type node struct {
	region   Rectangle
	leaf     bool
	isCopy   bool
	entries  []Element
	children [4]*node
	count    int
}

func (n *node) clone() *node {
	c := &node{region: n.region, leaf: n.leaf, isCopy: true, count: n.count}
	if n.leaf {
		c.entries = append([]Element(nil), n.entries...)
	} else {
		c.children = n.children
	}
	return c
}

// retired is a node displaced by path-copying, kept alive until no
// Readview referencing its generation remains outstanding.
type retired struct {
	node       *node
	generation uint64
}

// Quadtree is a concurrency-safe geo index. Writers serialise via mu;
// readers acquire a Readview snapshot of the root and never block nor
// are blocked by subsequent writes, per spec.md §4.3's path-copying
// contract (mirroring pkg/index's readview/writeview split for C2).
type Quadtree struct {
	mu sync.Mutex

	capacity int
	mbrLimit float64

	root       *node
	generation uint64

	readersMu sync.Mutex
	readers   map[uint64]int // generation -> outstanding Readview count
	freeList  []retired
}

// New returns an empty quadtree covering region, splitting leaves past
// capacity entries only when the leaf's region area exceeds mbrLimit.
func New(region Rectangle, capacity int, mbrLimit float64) *Quadtree {
	return &Quadtree{
		capacity: capacity,
		mbrLimit: mbrLimit,
		root:     &node{region: region, leaf: true},
		readers:  make(map[uint64]int),
	}
}

// Readview is an immutable snapshot of the tree as of some generation.
type Readview struct {
	tree       *Quadtree
	root       *node
	generation uint64
	released   bool
}

// Acquire returns a Readview pinned to the current root. Release it when
// done so retired path-copy nodes from older generations can be freed.
func (t *Quadtree) Acquire() *Readview {
	t.mu.Lock()
	root := t.root
	gen := t.generation
	t.mu.Unlock()

	t.readersMu.Lock()
	t.readers[gen]++
	t.readersMu.Unlock()

	return &Readview{tree: t, root: root, generation: gen}
}

// Release drops this view's pin and reclaims any retired node whose
// generation now has zero outstanding readers.
func (rv *Readview) Release() {
	if rv.released {
		return
	}
	rv.released = true
	t := rv.tree

	t.readersMu.Lock()
	defer t.readersMu.Unlock()
	t.readers[rv.generation]--
	if t.readers[rv.generation] <= 0 {
		delete(t.readers, rv.generation)
	}

	kept := t.freeList[:0]
	for _, r := range t.freeList {
		if t.readers[r.generation] > 0 {
			kept = append(kept, r)
		}
		// else: node dereferenced here, reclaimed by the Go GC.
	}
	t.freeList = kept
}

func (t *Quadtree) retire(n *node, generation uint64) {
	t.readersMu.Lock()
	t.freeList = append(t.freeList, retired{node: n, generation: generation})
	t.readersMu.Unlock()
}

// Insert adds e, path-copying from root to the touched leaf.
func (t *Quadtree) Insert(e Element) {
	t.mu.Lock()
	defer t.mu.Unlock()
	priorGen := t.generation
	t.generation++
	t.root = t.insertRec(t.root, e, priorGen)
}

func (t *Quadtree) insertRec(n *node, e Element, priorGen uint64) *node {
	c := n.clone()
	t.retire(n, priorGen)
	c.count++

	if c.leaf {
		c.entries = append(c.entries, e)
		if len(c.entries) > t.capacity && c.region.Area() > t.mbrLimit {
			return t.split(c)
		}
		return c
	}

	idx := c.region.quadrantOf(e.Point)
	c.children[idx] = t.insertRec(c.children[idx], e, priorGen)
	return c
}

func (t *Quadtree) split(leaf *node) *node {
	quads := leaf.region.quadrants()
	internal := &node{region: leaf.region, leaf: false, isCopy: true, count: leaf.count}
	for i, q := range quads {
		internal.children[i] = &node{region: q, leaf: true}
	}
	for _, e := range leaf.entries {
		idx := leaf.region.quadrantOf(e.Point)
		internal.children[idx].entries = append(internal.children[idx].entries, e)
		internal.children[idx].count++
	}
	metrics.QuadtreeSplitsTotal.Inc()
	return internal
}

// Remove deletes the first element matching point+forwardListID found
// in the live tree, path-copying the spine and merging internal nodes
// back to a leaf when the subtree's count falls below capacity.
func (t *Quadtree) Remove(e Element) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	priorGen := t.generation

	newRoot, removed := t.removeRec(t.root, e, priorGen)
	if removed {
		t.generation++
		t.root = newRoot
	}
	return removed
}

func (t *Quadtree) removeRec(n *node, e Element, priorGen uint64) (*node, bool) {
	if n.leaf {
		for i, entry := range n.entries {
			if entry.Point == e.Point && entry.ForwardListID == e.ForwardListID {
				c := n.clone()
				t.retire(n, priorGen)
				c.entries = append(c.entries[:i], c.entries[i+1:]...)
				c.count--
				return c, true
			}
		}
		return n, false
	}

	idx := n.region.quadrantOf(e.Point)
	newChild, removed := t.removeRec(n.children[idx], e, priorGen)
	if !removed {
		return n, false
	}

	c := n.clone()
	t.retire(n, priorGen)
	c.children[idx] = newChild
	c.count--

	if c.count < t.capacity {
		return t.mergeToLeaf(c), true
	}
	return c, true
}

func (t *Quadtree) mergeToLeaf(n *node) *node {
	leaf := &node{region: n.region, leaf: true, isCopy: true}
	var collect func(*node)
	collect = func(c *node) {
		if c == nil {
			return
		}
		if c.leaf {
			leaf.entries = append(leaf.entries, c.entries...)
			return
		}
		for _, ch := range c.children {
			collect(ch)
		}
	}
	collect(n)
	leaf.count = len(leaf.entries)
	metrics.QuadtreeMergesTotal.Inc()
	return leaf
}

// Update moves an element from oldPoint to newPoint (remove then
// insert), used when a record's geo position changes under the same
// forward-list id.
func (t *Quadtree) Update(forwardListID uint64, oldPoint, newPoint types.GeoPoint) bool {
	if !t.Remove(Element{Point: oldPoint, ForwardListID: forwardListID}) {
		return false
	}
	t.Insert(Element{Point: newPoint, ForwardListID: forwardListID})
	return true
}

// Count returns the total number of live elements.
func (t *Quadtree) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.count
}

// RangeIterator is a restartable, materialised result set from a range
// query, matching the trie package's LeafIterator idiom.
type RangeIterator struct {
	elements []Element
	pos      int
}

// Next returns the next element, or ok=false when exhausted.
func (it *RangeIterator) Next() (Element, bool) {
	if it.pos >= len(it.elements) {
		return Element{}, false
	}
	e := it.elements[it.pos]
	it.pos++
	return e, true
}

// Reset rewinds the iterator without recomputing the query.
func (it *RangeIterator) Reset() { it.pos = 0 }

// Len reports the total number of matched elements.
func (it *RangeIterator) Len() int { return len(it.elements) }

// RangeQuery walks rv's snapshot, collecting every element contained by
// shape. Safe to call concurrently with writers against the live tree,
// since rv pins an immutable root.
func (rv *Readview) RangeQuery(shape Shape) *RangeIterator {
	var out []Element
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil || !shape.IntersectsRect(n.region) {
			return
		}
		if n.leaf {
			for _, e := range n.entries {
				if shape.ContainsPoint(e.Point) {
					out = append(out, e)
				}
			}
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(rv.root)
	return &RangeIterator{elements: out}
}

// Elements returns every indexed element, in no particular order, for
// writing to a quadtree archive (spec.md §6's persisted state layout).
func (t *Quadtree) Elements() []Element {
	rv := t.Acquire()
	defer rv.Release()

	var out []Element
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		if n.leaf {
			out = append(out, n.entries...)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(rv.root)
	return out
}

// Region returns the tree's covering rectangle, capacity and mbrLimit,
// the parameters Load needs to rebuild an equivalent tree.
func (t *Quadtree) Region() (region Rectangle, capacity int, mbrLimit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.region, t.capacity, t.mbrLimit
}

// Load rebuilds a quadtree from an archive produced by Elements, bulk
// re-inserting every element into a fresh tree covering region.
func Load(region Rectangle, capacity int, mbrLimit float64, elements []Element) *Quadtree {
	t := New(region, capacity, mbrLimit)
	for _, e := range elements {
		t.Insert(e)
	}
	return t
}
