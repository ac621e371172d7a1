package index

import (
	"testing"

	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *types.Schema {
	return &types.Schema{
		PrimaryKeyAttribute: "id",
		Searchable: []types.SearchableAttribute{
			{Name: "title", Boost: 10},
		},
	}
}

func record(pk, title string) *types.Record {
	return &types.Record{PrimaryKey: pk, Searchable: [][]string{{title}}}
}

func testConfig() MergeConfig {
	cfg := DefaultMergeConfig()
	cfg.Workers = 2
	return cfg
}

func TestAddRecord_RejectsDuplicatePrimaryKey(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}

	status, err := idx.AddRecord(record("a", "red fox"), az)
	require.NoError(t, err)
	require.Equal(t, AddOK, status)

	status, err = idx.AddRecord(record("a", "blue fox"), az)
	assert.ErrorIs(t, err, types.ErrDuplicatePrimaryKey)
	assert.Equal(t, AddDuplicatePrimaryKey, status)
}

func TestMerge_PublishesSearchableReadview(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}

	_, err := idx.AddRecord(record("a", "red fox jumps"), az)
	require.NoError(t, err)
	_, err = idx.AddRecord(record("b", "blue fox sleeps"), az)
	require.NoError(t, err)

	idx.Merge()

	kw, ok := idx.trie.LookupExact("fox")
	require.True(t, ok)

	rv := idx.GetReadview()
	list, ok := rv.Inverted(kw.KeywordID())
	require.True(t, ok)
	assert.Len(t, list.Postings, 2)

	for i := 1; i < len(list.Postings); i++ {
		prev, cur := list.Postings[i-1], list.Postings[i]
		assert.True(t, prev.Score > cur.Score || (prev.Score == cur.Score && prev.RecordID < cur.RecordID))
	}
}

func TestMerge_IsIdempotentWhenNothingPending(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}
	_, err := idx.AddRecord(record("a", "red fox"), az)
	require.NoError(t, err)

	idx.Merge()
	gen1 := idx.GetReadview().Generation()
	idx.Merge()
	gen2 := idx.GetReadview().Generation()
	assert.Equal(t, gen1, gen2, "merge with no pending writes must not publish a new generation")
}

func TestDeleteRecord_RemovesFromPostingsAfterMerge(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}

	_, err := idx.AddRecord(record("a", "red fox"), az)
	require.NoError(t, err)
	_, err = idx.AddRecord(record("b", "red fox too"), az)
	require.NoError(t, err)
	idx.Merge()

	require.NoError(t, idx.DeleteRecord("a"))
	idx.Merge()

	kw, ok := idx.trie.LookupExact("fox")
	require.True(t, ok)
	rv := idx.GetReadview()
	list, ok := rv.Inverted(kw.KeywordID())
	require.True(t, ok)
	require.Len(t, list.Postings, 1)
	assert.Equal(t, "b", rv.dir.forward[list.Postings[0].RecordID].PrimaryKey)
}

func TestDeleteRecord_DropsKeywordEntirelyWhenListEmptied(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}

	_, err := idx.AddRecord(record("a", "unique"), az)
	require.NoError(t, err)
	idx.Merge()

	require.NoError(t, idx.DeleteRecord("a"))
	idx.Merge()

	_, terminal := idx.trie.LookupExact("unique")
	assert.False(t, terminal)
}

func TestUpdateRecord_RoundTripsNewContent(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}

	_, err := idx.AddRecord(record("a", "red fox"), az)
	require.NoError(t, err)
	idx.Merge()

	require.NoError(t, idx.UpdateRecord(record("a", "green turtle"), az))
	idx.Merge()

	fl, ok := idx.GetReadview().ForwardByPrimaryKey("a")
	require.True(t, ok)
	assert.True(t, fl.Valid)

	_, stillTerminal := idx.trie.LookupExact("fox")
	assert.False(t, stillTerminal)

	kw, ok := idx.trie.LookupExact("turtle")
	require.True(t, ok)
	list, ok := idx.GetReadview().Inverted(kw.KeywordID())
	require.True(t, ok)
	require.Len(t, list.Postings, 1)
}

func TestVerifyByRandomAccess(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}
	_, err := idx.AddRecord(record("a", "red fox"), az)
	require.NoError(t, err)
	idx.Merge()

	kw, ok := idx.trie.LookupExact("fox")
	require.True(t, ok)
	rv := idx.GetReadview()
	recID, ok := rv.dir.pkToID["a"]
	require.True(t, ok)

	assert.True(t, rv.VerifyByRandomAccess(recID, kw.KeywordID()))
	assert.False(t, rv.VerifyByRandomAccess(recID, 99999))
}

func TestHistogram_RefreshesAfterConfiguredMergeCount(t *testing.T) {
	cfg := testConfig()
	cfg.StatsEveryMerges = 2
	cfg.StatsEveryWrites = 1 << 30
	idx := New(testSchema(), trie.New(), cfg)
	az := analyzer.Whitespace{}

	_, err := idx.AddRecord(record("a", "red fox"), az)
	require.NoError(t, err)
	idx.Merge()
	assert.Equal(t, 0, idx.Stats().TotalRecords, "stats should not refresh before the configured merge count")

	_, err = idx.AddRecord(record("b", "blue fox"), az)
	require.NoError(t, err)
	idx.Merge()
	assert.Equal(t, 2, idx.Stats().TotalRecords)
}

func TestExportLoad_RoundTripsSearchableState(t *testing.T) {
	idx := New(testSchema(), trie.New(), testConfig())
	az := analyzer.Whitespace{}

	_, err := idx.AddRecord(record("a", "red fox"), az)
	require.NoError(t, err)
	_, err = idx.AddRecord(record("b", "blue fox"), az)
	require.NoError(t, err)
	idx.Merge()

	forward, inverted := idx.Export()
	require.Len(t, forward, 2)
	require.NotEmpty(t, inverted)

	restored := Load(testSchema(), trie.Load(idx.trie.Export()), testConfig(), forward, inverted)

	fl, ok := restored.GetForward("a")
	require.True(t, ok)
	assert.Equal(t, "a", fl.PrimaryKey)
	assert.Equal(t, 2, restored.Stats().TotalRecords)
}
