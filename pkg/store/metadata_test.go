package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/lexis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataSnapshot_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")

	require.NoError(t, SaveMetadataSnapshot(path, []byte(`{"generation":1}`)))

	got, err := LoadMetadataSnapshot(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"generation":1}`, string(got))
}

func TestMetadataSnapshot_OverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")

	require.NoError(t, SaveMetadataSnapshot(path, []byte(`{"generation":1}`)))
	require.NoError(t, SaveMetadataSnapshot(path, []byte(`{"generation":2}`)))

	got, err := LoadMetadataSnapshot(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"generation":2}`, string(got))
}

func TestMetadataSnapshot_MissingFileIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-saved.json")

	_, err := LoadMetadataSnapshot(path)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
