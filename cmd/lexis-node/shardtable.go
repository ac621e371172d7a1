package main

import (
	"fmt"
	"sync"

	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/types"
)

// shardTable is this process's local shard registry. It implements
// migration.Registry so pkg/migration can adopt and evict shards
// streamed in from other nodes, and it's what every transport handler
// in handlers.go looks a shard id up against.
type shardTable struct {
	mu     sync.RWMutex
	shards map[string]*shard.Shard
}

func newShardTable() *shardTable {
	return &shardTable{shards: make(map[string]*shard.Shard)}
}

// Shard looks up a locally-owned shard by id.
func (t *shardTable) Shard(shardID string) (*shard.Shard, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.shards[shardID]
	return s, ok
}

// Adopt installs s under shardID, replacing any shard already
// registered at that id.
func (t *shardTable) Adopt(shardID string, s *shard.Shard) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shards[shardID] = s
}

// Evict removes shardID from the table.
func (t *shardTable) Evict(shardID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.shards, shardID)
}

// Create opens a brand-new local shard under shardID and adopts it,
// failing if one is already registered at that id.
func (t *shardTable) Create(shardID string, schema *types.Schema, cfg shard.Config) (*shard.Shard, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.shards[shardID]; exists {
		return nil, fmt.Errorf("shardtable: shard %s already exists on this node", shardID)
	}
	s, err := shard.New(shardID, schema, cfg)
	if err != nil {
		return nil, err
	}
	t.shards[shardID] = s
	return s, nil
}

// IDs returns every shard id currently registered on this node, for
// the status/admin endpoints.
func (t *shardTable) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.shards))
	for id := range t.shards {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every shard's archive handle, called during shutdown
// after ClusterSaveOp has persisted their state.
func (t *shardTable) CloseAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, s := range t.shards {
		if err := s.Close(); err != nil {
			logShardCloseErr(id, err)
		}
	}
}
