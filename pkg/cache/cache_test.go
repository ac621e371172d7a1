package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGetHitsAndMisses(t *testing.T) {
	c := New(1024)
	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("a", []byte("hello"))
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(10)
	c.Put("a", []byte("12345"))
	c.Put("b", []byte("12345"))
	// Touch "a" so "b" becomes the LRU victim.
	c.Get("a")
	c.Put("c", []byte("12345"))

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	_, cOK := c.Get("c")
	assert.True(t, aOK)
	assert.False(t, bOK)
	assert.True(t, cOK)
}

func TestCache_ArtifactLargerThanBudgetIsNotCached(t *testing.T) {
	c := New(4)
	c.Put("big", []byte("12345"))
	_, ok := c.Get("big")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.BytesInUse())
}

func TestCache_Invalidate(t *testing.T) {
	c := New(1024)
	c.Put("a", []byte("hello"))
	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_PutReplacesExistingEntry(t *testing.T) {
	c := New(1024)
	c.Put("a", []byte("hello"))
	c.Put("a", []byte("goodbye!"))
	got, _ := c.Get("a")
	assert.Equal(t, []byte("goodbye!"), got)
	assert.Equal(t, int64(len("goodbye!")), c.BytesInUse())
}
