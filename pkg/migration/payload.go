// Package migration implements C15: streaming one shard's index state
// to another node over pkg/transport's framed CopyToMe/MoveToMe/
// MoveAck/MoveAbort/MoveFinish/MoveCleanup message kinds, instead of
// through the archive file, per spec.md §6. pkg/statemachine's
// ShardMoveOp calls into a Manager here as its Migrator.
package migration

import (
	"fmt"

	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
)

// Payload is the wire shape of one shard's exported index state: every
// structure a receiving node needs to reconstruct the shard without
// ever reading an archive file, serialised as a single CopyToMe/
// MoveToMe body.
type Payload struct {
	ShardID      string        `json:"shard_id"`
	Schema       *types.Schema `json:"schema"`
	AnalyzerKind string        `json:"analyzer_kind"`
	Trie         []trie.Entry  `json:"trie"`

	Forward  []*index.ForwardList  `json:"forward"`
	Inverted []*index.InvertedList `json:"inverted,omitempty"`

	QuadtreeRegion   geo.Rectangle `json:"quadtree_region,omitempty"`
	QuadtreeCapacity int           `json:"quadtree_capacity,omitempty"`
	QuadtreeMBRLimit float64       `json:"quadtree_mbr_limit,omitempty"`
	QuadtreeElements []geo.Element `json:"quadtree_elements,omitempty"`
}

// Export builds s's Payload, per C9's export operation: everything a
// remote node needs to reconstruct s, read straight off the live index
// rather than an on-disk archive.
func Export(s *shard.Shard) Payload {
	forward, inverted := s.Export()
	p := Payload{
		ShardID:      s.ID,
		Schema:       s.Schema,
		AnalyzerKind: s.AnalyzerKind(),
		Trie:         s.Trie().Export(),
		Forward:      forward,
	}
	if qt := s.Quadtree(); qt != nil {
		region, capacity, mbrLimit := qt.Region()
		p.QuadtreeRegion = region
		p.QuadtreeCapacity = capacity
		p.QuadtreeMBRLimit = mbrLimit
		p.QuadtreeElements = qt.Elements()
	} else {
		p.Inverted = inverted
	}
	return p
}

// AnalyzerResolver resolves the analyser implementation a receiving
// node should configure a rebuilt shard with, keyed by the
// AnalyzerKind tag carried in Payload.
type AnalyzerResolver func(kind string) (analyzer.Analyzer, error)

// DefaultAnalyzerResolver resolves the whitespace analyser, the one
// this module ships.
func DefaultAnalyzerResolver(kind string) (analyzer.Analyzer, error) {
	switch kind {
	case "", "whitespace":
		return analyzer.Whitespace{}, nil
	default:
		return nil, fmt.Errorf("migration: unknown analyzer kind %q", kind)
	}
}

// rebuild constructs a fresh *shard.Shard from p under dataDir and
// installs p's index state into it. Used by a receiving Manager for
// both MoveToMe (taking ownership) and CopyToMe (taking a replica).
func rebuild(p Payload, dataDir string, resolveAnalyzer AnalyzerResolver, cfg shard.Config) (*shard.Shard, error) {
	az, err := resolveAnalyzer(p.AnalyzerKind)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	cfg.Analyzer = az
	cfg.AnalyzerKind = p.AnalyzerKind

	s, err := shard.New(p.ShardID, p.Schema, cfg)
	if err != nil {
		return nil, fmt.Errorf("migration: failed to open shard archive at %s: %w", dataDir, err)
	}

	t := trie.Load(p.Trie)
	var qt *geo.Quadtree
	if p.Schema.IndexType == types.IndexKeywordGeo {
		qt = geo.Load(p.QuadtreeRegion, p.QuadtreeCapacity, p.QuadtreeMBRLimit, p.QuadtreeElements)
	}
	s.ImportArchive(t, p.Forward, p.Inverted, qt, cfg)

	if err := s.Save(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migration: failed to persist streamed-in shard: %w", err)
	}
	return s, nil
}
