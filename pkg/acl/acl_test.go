package acl

import (
	"strings"
	"testing"

	"github.com/cuemby/lexis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *types.Schema {
	return &types.Schema{
		Searchable: []types.SearchableAttribute{
			{Name: "title", ACL: false},
			{Name: "salary_notes", ACL: true},
		},
		Refining: []types.RefiningAttribute{
			{Name: "public_tag", ACL: false},
			{Name: "internal_score", ACL: true},
		},
	}
}

func TestBuildAttributeFilter_NonACLAlwaysAccessible(t *testing.T) {
	a := New()
	schema := testSchema()
	f := a.BuildAttributeFilter(schema, types.RoleID(1))

	assert.True(t, f.SearchableAllowed(0))
	assert.False(t, f.SearchableAllowed(1))
	assert.True(t, f.RefiningAllowed(0))
	assert.False(t, f.RefiningAllowed(1))
}

func TestAppendGrantsAccessToACLAttribute(t *testing.T) {
	a := New()
	schema := testSchema()
	a.Append(types.RoleID(1), []int{1}, []int{1})

	f := a.BuildAttributeFilter(schema, types.RoleID(1))
	assert.True(t, f.SearchableAllowed(1))
	assert.True(t, f.RefiningAllowed(1))

	other := a.BuildAttributeFilter(schema, types.RoleID(2))
	assert.False(t, other.SearchableAllowed(1))
}

func TestDeleteRevokesAccess(t *testing.T) {
	a := New()
	schema := testSchema()
	a.Append(types.RoleID(1), []int{1}, nil)
	a.Delete(types.RoleID(1), []int{1}, nil)

	f := a.BuildAttributeFilter(schema, types.RoleID(1))
	assert.False(t, f.SearchableAllowed(1))
}

func TestReplaceMovesAttributeExclusivelyToNewRoles(t *testing.T) {
	a := New()
	schema := testSchema()
	a.Append(types.RoleID(1), []int{1}, nil)
	a.Append(types.RoleID(2), []int{1}, nil)

	a.Replace([]types.RoleID{3}, []int{1}, nil)

	f1 := a.BuildAttributeFilter(schema, types.RoleID(1))
	f2 := a.BuildAttributeFilter(schema, types.RoleID(2))
	f3 := a.BuildAttributeFilter(schema, types.RoleID(3))
	assert.False(t, f1.SearchableAllowed(1))
	assert.False(t, f2.SearchableAllowed(1))
	assert.True(t, f3.SearchableAllowed(1))
}

func TestRecordAllowed(t *testing.T) {
	open := &types.Record{}
	assert.True(t, RecordAllowed(open, types.RoleID(9)))

	restricted := &types.Record{Roles: []types.RoleID{1, 2}}
	assert.True(t, RecordAllowed(restricted, types.RoleID(2)))
	assert.False(t, RecordAllowed(restricted, types.RoleID(3)))
}

func TestLoadCSV(t *testing.T) {
	a := New()
	schema := testSchema()
	csvData := "1,searchable,1\n1,refining,1\n"
	require.NoError(t, a.LoadCSV(strings.NewReader(csvData)))

	f := a.BuildAttributeFilter(schema, types.RoleID(1))
	assert.True(t, f.SearchableAllowed(1))
	assert.True(t, f.RefiningAllowed(1))
}

func TestLoadJSON(t *testing.T) {
	a := New()
	schema := testSchema()
	jsonData := `[{"role":1,"searchable":[1],"refining":[1]}]`
	require.NoError(t, a.LoadJSON(strings.NewReader(jsonData)))

	f := a.BuildAttributeFilter(schema, types.RoleID(1))
	assert.True(t, f.SearchableAllowed(1))
	assert.True(t, f.RefiningAllowed(1))
}
