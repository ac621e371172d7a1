package main

import (
	"testing"

	"github.com/cuemby/lexis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleSchemaYAML = `
apiVersion: lexis/v1
kind: Schema
metadata:
  name: products
spec:
  primaryKeyAttribute: id
  searchable:
    - name: title
      boost: 10
      highlight: true
  refining:
    - name: price
      type: float
  latitudeAttribute: lat
  longitudeAttribute: lon
  geo: true
`

func TestShardResource_ParsesAndConvertsToSchema(t *testing.T) {
	var resource shardResource
	require.NoError(t, yaml.Unmarshal([]byte(sampleSchemaYAML), &resource))

	assert.Equal(t, "Schema", resource.Kind)
	assert.Equal(t, "products", resource.Metadata.Name)

	schema, err := resource.Spec.toSchema()
	require.NoError(t, err)
	assert.Equal(t, "id", schema.PrimaryKeyAttribute)
	require.Len(t, schema.Searchable, 1)
	assert.Equal(t, "title", schema.Searchable[0].Name)
	assert.Equal(t, 10, schema.Searchable[0].Boost)
	assert.True(t, schema.Searchable[0].Highlight)
	require.Len(t, schema.Refining, 1)
	assert.Equal(t, types.RefiningFloat, schema.Refining[0].Type)
	assert.Equal(t, types.IndexKeywordGeo, schema.IndexType)
	assert.Equal(t, "lat", schema.LatitudeAttribute)
}

func TestSchemaSpec_UnknownRefiningTypeErrors(t *testing.T) {
	spec := schemaSpec{
		Refining: []refiningAttrSpec{{Name: "bad", Type: "not-a-type"}},
	}
	_, err := spec.toSchema()
	assert.Error(t, err)
}
