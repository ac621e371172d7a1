package shard

import (
	"testing"

	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/plan"
	"github.com/cuemby/lexis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShard(t *testing.T, schema *types.Schema) *Shard {
	t.Helper()
	s, err := New("s1", schema, testShardConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSearch_ExactTermReturnsScoredHits(t *testing.T) {
	s := newTestShard(t, keywordSchema())
	require.NoError(t, s.Insert(rec("a", "red fox jumps")))
	require.NoError(t, s.Insert(rec("b", "blue fox sleeps")))
	require.NoError(t, s.Insert(rec("c", "green turtle")))
	s.Merge()

	hits, err := s.Search(Request{Query: termQuery("fox"), K: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.False(t, h.Fuzzy)
	}
}

func TestSearch_FuzzyPassAppendsDeduplicatedResultsWhenExactUnderReturns(t *testing.T) {
	s := newTestShard(t, keywordSchema())
	require.NoError(t, s.Insert(rec("a", "fox")))
	require.NoError(t, s.Insert(rec("b", "foxx")))
	s.Merge()

	hits, err := s.Search(Request{Query: termQuery("fox"), K: 5, AllowFuzzy: true})
	require.NoError(t, err)

	var exactCount, fuzzyCount int
	seen := make(map[string]bool)
	for _, h := range hits {
		assert.False(t, seen[h.PrimaryKey], "duplicate primary key in results: %s", h.PrimaryKey)
		seen[h.PrimaryKey] = true
		if h.Fuzzy {
			fuzzyCount++
		} else {
			exactCount++
		}
	}
	assert.Equal(t, 1, exactCount)
	assert.GreaterOrEqual(t, fuzzyCount, 1)
}

func TestSearch_WithoutAllowFuzzyNeverExpandsPastExactPass(t *testing.T) {
	s := newTestShard(t, keywordSchema())
	require.NoError(t, s.Insert(rec("a", "fox")))
	require.NoError(t, s.Insert(rec("b", "foxx")))
	s.Merge()

	hits, err := s.Search(Request{Query: termQuery("fox"), K: 5, AllowFuzzy: false})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].PrimaryKey)
}

func TestSearch_RecordLevelACLFiltersDisallowedRole(t *testing.T) {
	s := newTestShard(t, keywordSchema())
	restricted := rec("a", "secret fox")
	restricted.Roles = []types.RoleID{1}
	require.NoError(t, s.Insert(restricted))
	require.NoError(t, s.Insert(rec("b", "public fox")))
	s.Merge()

	hitsAsOutsider, err := s.Search(Request{Query: termQuery("fox"), K: 10, Role: 2})
	require.NoError(t, err)
	require.Len(t, hitsAsOutsider, 1)
	assert.Equal(t, "b", hitsAsOutsider[0].PrimaryKey)

	hitsAsMember, err := s.Search(Request{Query: termQuery("fox"), K: 10, Role: 1})
	require.NoError(t, err)
	assert.Len(t, hitsAsMember, 2)
}

func TestSearch_AttributeACLHidesUnauthorizedTermPositions(t *testing.T) {
	s := newTestShard(t, aclGuardedSchema())
	require.NoError(t, s.Insert(rec("a", "fox")))
	s.Merge()

	noAccess, err := s.Search(Request{Query: termQuery("fox"), K: 10, Role: 0})
	require.NoError(t, err)
	assert.Empty(t, noAccess)

	s.ACL().Append(1, []int{0}, nil)
	s.InvalidateACLCache(1)
	withAccess, err := s.Search(Request{Query: termQuery("fox"), K: 10, Role: 1})
	require.NoError(t, err)
	assert.Len(t, withAccess, 1)
}

func TestSearch_GeoCircleRanksByProximity(t *testing.T) {
	s := newTestShard(t, geoSchema())

	near := rec("near", "cafe")
	near.Geo = &types.GeoPoint{X: 0.01, Y: 0.01}
	far := rec("far", "cafe")
	far.Geo = &types.GeoPoint{X: 5, Y: 5}

	require.NoError(t, s.Insert(near))
	require.NoError(t, s.Insert(far))
	s.Merge()

	query := plan.GeoWithin(geo.Circle{Center: types.GeoPoint{X: 0, Y: 0}, Radius: 10})
	hits, err := s.Search(Request{Query: query, K: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].PrimaryKey)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestSearch_GeoRectangleExcludesOutsideRange(t *testing.T) {
	s := newTestShard(t, geoSchema())

	inside := rec("inside", "cafe")
	inside.Geo = &types.GeoPoint{X: 5, Y: 5}
	outside := rec("outside", "cafe")
	outside.Geo = &types.GeoPoint{X: 90, Y: 45}

	require.NoError(t, s.Insert(inside))
	require.NoError(t, s.Insert(outside))
	s.Merge()

	query := plan.GeoWithin(geo.Rectangle{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10})
	hits, err := s.Search(Request{Query: query, K: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "inside", hits[0].PrimaryKey)
}

func TestSearch_GetAllResultsCapsInternally(t *testing.T) {
	s := newTestShard(t, keywordSchema())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(rec(string(rune('a'+i)), "fox")))
	}
	s.Merge()

	hits, err := s.Search(Request{Query: termQuery("fox"), GetAllResults: true})
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}
