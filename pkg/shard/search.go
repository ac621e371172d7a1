package shard

import (
	"sync/atomic"

	"github.com/cuemby/lexis/pkg/acl"
	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/plan"
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
)

// fuzzySimilarity is the similarity threshold fed to
// trie.EditDistanceThreshold when a query's exact pass returns too few
// results and a fuzzy pass is allowed, per spec.md §4.5's two-phase
// fuzzy search-type policy.
const fuzzySimilarity = 0.7

// Hit is one scored result of a Search call.
type Hit struct {
	PrimaryKey string
	Score      float64
	Record     *types.Record
	Fuzzy      bool // true if only the fuzzy pass matched this record
}

// Request is a single-shard search request. Query is a logical plan
// already built by the caller (the cluster-level search frontend parses
// the wire request into one); Role gates attribute- and record-level
// ACL.
type Request struct {
	Query            *plan.LogicalNode
	K                int
	Role             types.RoleID
	AllowFuzzy       bool
	GetAllResults    bool
	FeedbackEligible bool
	// QueryKey identifies this query for feedback lookups (spec.md
	// §4.4's "records the user clicked for this exact query"); it is
	// meaningless unless FeedbackEligible is set.
	QueryKey string
}

// getAllResultsCap bounds how many results get-all-results will collect
// internally before degrading to a plain top-k pass, per spec.md §4.5.
const getAllResultsCap = 10_000

// Search runs req against the shard's current readview, implementing
// spec.md's two-phase fuzzy search-type policy: an exact pass runs
// first; if it returns fewer than K results and fuzzy is allowed, a
// fuzzy pass with higher term thresholds runs and its results are
// appended, deduplicated by primary key.
func (s *Shard) Search(req Request) ([]Hit, error) {
	atomic.AddUint64(&s.stats.Searches, 1)
	done := s.queryLatencyTimer()
	defer done()

	k := req.K
	if req.GetAllResults {
		k = getAllResultsCap
	}
	if k <= 0 {
		k = 10
	}

	filter := s.attributeFilter(req.Role)
	idxRV := s.idx.GetReadview()
	var geoRV *geo.Readview
	if s.qt != nil {
		geoRV = s.qt.Acquire()
		defer geoRV.Release()
	}

	eval := &evaluator{idxRV: idxRV, trie: s.trie, filter: filter, geoRV: geoRV}
	if req.FeedbackEligible {
		eval.feedback = s.feedback
		eval.queryKey = req.QueryKey
	}

	exact, err := s.runPlan(req.Query, k, eval, req.FeedbackEligible)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(exact))
	hits := make([]Hit, 0, len(exact))
	for _, p := range exact {
		fl, ok := idxRV.Forward(p.RecordID)
		if !ok || !fl.Valid || !acl.RecordAllowed(fl.Record, req.Role) {
			continue
		}
		seen[fl.PrimaryKey] = true
		hits = append(hits, Hit{PrimaryKey: fl.PrimaryKey, Score: p.Score, Record: fl.Record})
	}

	if len(hits) >= k || !req.AllowFuzzy {
		return hits, nil
	}

	fuzzyQuery := fuzzify(req.Query)
	fuzzy, err := s.runPlan(fuzzyQuery, k, eval, req.FeedbackEligible)
	if err != nil {
		return hits, nil // exact-pass results still stand even if the fuzzy pass fails to build
	}

	for _, p := range fuzzy {
		fl, ok := idxRV.Forward(p.RecordID)
		if !ok || !fl.Valid || seen[fl.PrimaryKey] || !acl.RecordAllowed(fl.Record, req.Role) {
			continue
		}
		seen[fl.PrimaryKey] = true
		hits = append(hits, Hit{PrimaryKey: fl.PrimaryKey, Score: p.Score, Record: fl.Record, Fuzzy: true})
		if len(hits) >= k {
			break
		}
	}

	return hits, nil
}

// runPlan compiles logical into a physical arena costed against this
// shard's current histogram, then drains it into a plain slice.
func (s *Shard) runPlan(logical *plan.LogicalNode, k int, eval plan.Evaluator, feedbackEligible bool) ([]plan.Posting, error) {
	cm := plan.DefaultCostModel{Lookup: s.histogramLookup}
	arena, err := plan.Build(logical, k, cm, feedbackEligible)
	if err != nil {
		return nil, err
	}

	ex := plan.NewExecutor(arena, eval)
	if err := ex.Open(arena.Root); err != nil {
		return nil, err
	}
	defer ex.Close(arena.Root)

	var out []plan.Posting
	for len(out) < k {
		p, ok := ex.GetNext(arena.Root)
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

// histogramLookup adapts this shard's index histogram (keyed by keyword
// id) to plan.HistogramLookup's by-term-string signature.
func (s *Shard) histogramLookup(term string) (docFreq, totalRecords int) {
	hist := s.idx.Stats()
	totalRecords = hist.TotalRecords
	node, ok := s.trie.LookupExact(term)
	if !ok {
		return 0, totalRecords
	}
	return hist.DocFreq[node.KeywordID()], totalRecords
}

// fuzzify returns a copy of logical with every term leaf's edit
// threshold raised to EditDistanceThreshold(len(term), fuzzySimilarity),
// the "same plan shape but the fuzzy query" spec.md §4.5 names.
func fuzzify(logical *plan.LogicalNode) *plan.LogicalNode {
	if logical == nil {
		return nil
	}
	cp := *logical
	if logical.Term != "" && !logical.IsPrefix {
		cp.EditThreshold = trie.EditDistanceThreshold(len(logical.Term), fuzzySimilarity)
	}
	if len(logical.Children) > 0 {
		cp.Children = make([]*plan.LogicalNode, len(logical.Children))
		for i, c := range logical.Children {
			cp.Children[i] = fuzzify(c)
		}
	}
	return &cp
}
