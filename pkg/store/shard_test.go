package store

import (
	"testing"

	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keywordSchema() *types.Schema {
	return &types.Schema{
		PrimaryKeyAttribute: "id",
		Searchable:          []types.SearchableAttribute{{Name: "title", Boost: 10}},
		IndexType:           types.IndexKeyword,
	}
}

func geoSchema() *types.Schema {
	return &types.Schema{
		PrimaryKeyAttribute: "id",
		Searchable:          []types.SearchableAttribute{{Name: "title", Boost: 10}},
		LatitudeAttribute:   "lat",
		LongitudeAttribute:  "lon",
		IndexType:           types.IndexKeywordGeo,
	}
}

func TestShardStore_KeywordIndexRoundTrips(t *testing.T) {
	schema := keywordSchema()
	tr := trie.New()
	idx := index.New(schema, tr, index.DefaultMergeConfig())
	az := analyzer.Whitespace{}

	_, err := idx.AddRecord(&types.Record{PrimaryKey: "a", Searchable: [][]string{{"red fox"}}}, az)
	require.NoError(t, err)
	_, err = idx.AddRecord(&types.Record{PrimaryKey: "b", Searchable: [][]string{{"blue fox"}}}, az)
	require.NoError(t, err)
	idx.Merge()

	forward, inverted := idx.Export()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, SaveShard(s, schema, "whitespace", tr, forward, inverted, nil))

	loaded, err := LoadShard(s)
	require.NoError(t, err)
	require.True(t, loaded.Found)

	assert.Equal(t, schema.PrimaryKeyAttribute, loaded.Schema.PrimaryKeyAttribute)
	assert.Equal(t, "whitespace", loaded.AnalyzerKind)
	assert.Len(t, loaded.Forward, 2)
	assert.NotEmpty(t, loaded.Inverted)
	assert.Nil(t, loaded.Quadtree)

	restored := index.Load(loaded.Schema, loaded.Trie, index.DefaultMergeConfig(), loaded.Forward, loaded.Inverted)
	fl, ok := restored.GetForward("a")
	require.True(t, ok)
	assert.Equal(t, "a", fl.PrimaryKey)
}

func TestShardStore_GeoIndexRoundTrips(t *testing.T) {
	schema := geoSchema()
	region := geo.Rectangle{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	qt := geo.New(region, 4, 0.01)

	for i := 0; i < 1000; i++ {
		qt.Insert(geo.Element{Point: types.GeoPoint{X: float64(i % 100), Y: float64(i % 50)}, ForwardListID: uint64(i)})
	}

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, SaveShard(s, schema, "whitespace", trie.New(), nil, nil, qt))

	loaded, err := LoadShard(s)
	require.NoError(t, err)
	require.NotNil(t, loaded.Quadtree)
	assert.Equal(t, 1000, loaded.Quadtree.Count())

	rv := loaded.Quadtree.Acquire()
	defer rv.Release()
	it := rv.RangeQuery(geo.Rectangle{MinX: 5, MinY: 5, MaxX: 5, MaxY: 5})
	assert.GreaterOrEqual(t, it.Len(), 1)
}

func TestShardStore_LoadMissingArchiveReportsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	loaded, err := LoadShard(s)
	require.NoError(t, err)
	assert.False(t, loaded.Found)
}
