package main

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *types.Schema {
	return &types.Schema{
		PrimaryKeyAttribute: "id",
		Searchable:          []types.SearchableAttribute{{Name: "title", Boost: 1}},
	}
}

func testShardConfig(t *testing.T, name string) shard.Config {
	t.Helper()
	return shard.Config{
		DataDir:      filepath.Join(t.TempDir(), name),
		Analyzer:     analyzer.Whitespace{},
		AnalyzerKind: "whitespace",
		MergeConfig:  index.DefaultMergeConfig(),
	}
}

func TestShardTable_CreateAdoptEvict(t *testing.T) {
	tbl := newShardTable()

	s, err := tbl.Create("shard-1", testSchema(), testShardConfig(t, "shard-1"))
	require.NoError(t, err)
	require.NotNil(t, s)

	got, ok := tbl.Shard("shard-1")
	assert.True(t, ok)
	assert.Same(t, s, got)

	assert.ElementsMatch(t, []string{"shard-1"}, tbl.IDs())

	tbl.Evict("shard-1")
	_, ok = tbl.Shard("shard-1")
	assert.False(t, ok)
}

func TestShardTable_CreateDuplicateFails(t *testing.T) {
	tbl := newShardTable()
	_, err := tbl.Create("shard-1", testSchema(), testShardConfig(t, "shard-1"))
	require.NoError(t, err)

	_, err = tbl.Create("shard-1", testSchema(), testShardConfig(t, "shard-1-again"))
	assert.Error(t, err)
}

func TestShardTable_Adopt(t *testing.T) {
	tbl := newShardTable()
	s, err := shard.New("shard-2", testSchema(), testShardConfig(t, "shard-2"))
	require.NoError(t, err)

	tbl.Adopt("shard-2", s)
	got, ok := tbl.Shard("shard-2")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestShardTable_CloseAll(t *testing.T) {
	tbl := newShardTable()
	_, err := tbl.Create("shard-1", testSchema(), testShardConfig(t, "shard-1"))
	require.NoError(t, err)
	_, err = tbl.Create("shard-2", testSchema(), testShardConfig(t, "shard-2"))
	require.NoError(t, err)

	tbl.CloseAll()
	assert.ElementsMatch(t, []string{"shard-1", "shard-2"}, tbl.IDs())
}
