package memconn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	config map[string]string

	mu      sync.Mutex
	inserts []string
	updates []string
	deletes []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{config: make(map[string]string)}
}

func (s *fakeServer) ConfigLookUp(key string) (string, bool) {
	v, ok := s.config[key]
	return v, ok
}

func (s *fakeServer) InsertRecord(json string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, json)
	return nil
}

func (s *fakeServer) UpdateRecord(pk, json string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, pk+":"+json)
	return nil
}

func (s *fakeServer) DeleteRecord(pk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, pk)
	return nil
}

func (s *fakeServer) snapshot() (inserts, updates, deletes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.inserts...), append([]string{}, s.updates...), append([]string{}, s.deletes...)
}

func TestCreateNewIndexes_BulkInsertsEverySeededRow(t *testing.T) {
	src := NewSource()
	src.Seed("1", `{"id":"1"}`)
	src.Seed("2", `{"id":"2"}`)

	server := newFakeServer()
	c := New(src, filepath.Join(t.TempDir(), "hwm.json"))
	require.NoError(t, c.Init(server))
	require.NoError(t, c.CreateNewIndexes())

	inserts, _, _ := server.snapshot()
	assert.Len(t, inserts, 2)
}

func TestInit_ResolvesListenerWaitTimeFromConfig(t *testing.T) {
	src := NewSource()
	server := newFakeServer()
	server.config["listener_wait_time_ms"] = "5"

	c := New(src, filepath.Join(t.TempDir(), "hwm.json"))
	require.NoError(t, c.Init(server))
	assert.Equal(t, 5*time.Millisecond, c.waitTime)
}

func TestRunListener_AppliesChangesInOrderAndAdvancesHighWaterMark(t *testing.T) {
	src := NewSource()
	server := newFakeServer()
	server.config["listener_wait_time_ms"] = "5"

	c := New(src, filepath.Join(t.TempDir(), "hwm.json"))
	require.NoError(t, c.Init(server))

	src.Append(ChangeInsert, "1", `{"id":"1"}`)
	src.Append(ChangeUpdate, "1", `{"id":"1","v":2}`)
	src.Append(ChangeDelete, "1", "")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.RunListener(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	inserts, updates, deletes := server.snapshot()
	assert.Equal(t, []string{`{"id":"1"}`}, inserts)
	assert.Equal(t, []string{`1:{"id":"1","v":2}`}, updates)
	assert.Equal(t, []string{"1"}, deletes)

	c.mu.Lock()
	lastSeq := c.lastSeq
	c.mu.Unlock()
	assert.Equal(t, uint64(3), lastSeq)
}

func TestHighWaterMark_SurvivesAcrossConnectorRestarts(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "hwm.json")
	src := NewSource()
	src.Append(ChangeInsert, "1", `{"id":"1"}`)
	src.Append(ChangeInsert, "2", `{"id":"2"}`)

	server := newFakeServer()
	first := New(src, statePath)
	require.NoError(t, first.Init(server))
	require.NoError(t, first.pollOnce())
	require.NoError(t, first.SaveLastAccessedLogRecordTime())

	second := New(src, statePath)
	require.NoError(t, second.Init(server))
	second.mu.Lock()
	restoredSeq := second.lastSeq
	second.mu.Unlock()
	assert.Equal(t, uint64(2), restoredSeq)

	// A fresh poll against the already-applied changes should be a
	// no-op: no new inserts beyond the two already seen.
	require.NoError(t, second.pollOnce())
	inserts, _, _ := server.snapshot()
	assert.Len(t, inserts, 2)
}
