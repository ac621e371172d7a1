// Package store implements the persisted state layout spec.md §6 names:
// a per-shard archive (analyser marker, trie, forward index, schema,
// plus either an inverted or a quadtree archive) backed by a single
// bbolt file, one bucket per concern, and a cluster-metadata snapshot
// file persisted under the write-to-temp-then-rename invariant.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/trie"
	"github.com/cuemby/lexis/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSchema   = []byte("schema")
	bucketAnalyzer = []byte("analyzer")
	bucketTrie     = []byte("trie")
	bucketForward  = []byte("forward")
	bucketInverted = []byte("inverted")
	bucketQuadtree = []byte("quadtree")
	bucketMeta     = []byte("meta")
)

const (
	keySchema      = "schema"
	keyAnalyzer    = "analyzer"
	keyTrie        = "trie"
	keyForward     = "forward"
	keyInverted    = "inverted"
	keyQuadtree    = "quadtree"
	keyQuadRegion  = "quadtree_region"
)

// ShardStore is a bbolt-backed archive of one shard's index structures.
type ShardStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) the archive file shard.db under
// dataDir, ensuring every bucket exists.
func Open(dataDir string) (*ShardStore, error) {
	dbPath := filepath.Join(dataDir, "shard.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open shard archive: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSchema, bucketAnalyzer, bucketTrie, bucketForward, bucketInverted, bucketQuadtree, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ShardStore{db: db}, nil
}

// Close closes the underlying archive file.
func (s *ShardStore) Close() error {
	return s.db.Close()
}

// quadtreeRegion is the persisted shape of Quadtree.Region, archived
// alongside the element list so Load can reconstruct an equivalent
// tree.
type quadtreeRegion struct {
	Region   geo.Rectangle
	Capacity int
	MBRLimit float64
}

// SaveShard persists schema, analyser marker, trie and forward index,
// plus either the inverted index (IndexKeyword) or the quadtree
// (IndexKeywordGeo), in one bolt transaction so a reader never observes
// a half-written archive.
func SaveShard(s *ShardStore, schema *types.Schema, analyzerKind string, t *trie.Trie, forward []*index.ForwardList, inverted []*index.InvertedList, qt *geo.Quadtree) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketSchema, keySchema, schema); err != nil {
			return err
		}
		if err := putJSON(tx, bucketAnalyzer, keyAnalyzer, analyzerKind); err != nil {
			return err
		}
		if err := putJSON(tx, bucketTrie, keyTrie, t.Export()); err != nil {
			return err
		}
		if err := putJSON(tx, bucketForward, keyForward, forward); err != nil {
			return err
		}
		switch schema.IndexType {
		case types.IndexKeywordGeo:
			if qt == nil {
				return fmt.Errorf("store: %w: geo schema requires a quadtree", types.ErrValidation)
			}
			region, capacity, mbrLimit := qt.Region()
			if err := putJSON(tx, bucketQuadtree, keyQuadRegion, quadtreeRegion{Region: region, Capacity: capacity, MBRLimit: mbrLimit}); err != nil {
				return err
			}
			if err := putJSON(tx, bucketQuadtree, keyQuadtree, qt.Elements()); err != nil {
				return err
			}
		default:
			if err := putJSON(tx, bucketInverted, keyInverted, inverted); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadedShard is every structure LoadShard reconstructs from an archive.
type LoadedShard struct {
	Schema       *types.Schema
	AnalyzerKind string
	Trie         *trie.Trie
	Forward      []*index.ForwardList
	Inverted     []*index.InvertedList
	Quadtree     *geo.Quadtree

	// Found reports whether an archive actually existed; when false every
	// other field is empty and the caller should start a fresh index, per
	// spec.md §6's "if any required file is missing, the engine creates an
	// empty index" rule.
	Found bool
}

// LoadShard deserialises a shard archive and returns the on-disk schema
// with it; comparing that against a configured schema (spec.md §6's
// consistency check) is left to the caller. LoadShard itself only
// reports whether anything was found.
func LoadShard(s *ShardStore) (*LoadedShard, error) {
	out := &LoadedShard{}

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSchema).Get([]byte(keySchema))
		if raw == nil {
			return nil // nothing persisted yet
		}
		out.Found = true

		var schema types.Schema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return fmt.Errorf("store: %w: schema archive", types.ErrCorruption)
		}
		out.Schema = &schema

		if raw := tx.Bucket(bucketAnalyzer).Get([]byte(keyAnalyzer)); raw != nil {
			_ = json.Unmarshal(raw, &out.AnalyzerKind)
		}

		var entries []trie.Entry
		if raw := tx.Bucket(bucketTrie).Get([]byte(keyTrie)); raw != nil {
			if err := json.Unmarshal(raw, &entries); err != nil {
				return fmt.Errorf("store: %w: trie archive", types.ErrCorruption)
			}
		}
		out.Trie = trie.Load(entries)

		if raw := tx.Bucket(bucketForward).Get([]byte(keyForward)); raw != nil {
			if err := json.Unmarshal(raw, &out.Forward); err != nil {
				return fmt.Errorf("store: %w: forward archive", types.ErrCorruption)
			}
		}

		switch schema.IndexType {
		case types.IndexKeywordGeo:
			var qr quadtreeRegion
			if raw := tx.Bucket(bucketQuadtree).Get([]byte(keyQuadRegion)); raw != nil {
				if err := json.Unmarshal(raw, &qr); err != nil {
					return fmt.Errorf("store: %w: quadtree region archive", types.ErrCorruption)
				}
			}
			var elements []geo.Element
			if raw := tx.Bucket(bucketQuadtree).Get([]byte(keyQuadtree)); raw != nil {
				if err := json.Unmarshal(raw, &elements); err != nil {
					return fmt.Errorf("store: %w: quadtree archive", types.ErrCorruption)
				}
			}
			out.Quadtree = geo.Load(qr.Region, qr.Capacity, qr.MBRLimit, elements)
		default:
			if raw := tx.Bucket(bucketInverted).Get([]byte(keyInverted)); raw != nil {
				if err := json.Unmarshal(raw, &out.Inverted); err != nil {
					return fmt.Errorf("store: %w: inverted archive", types.ErrCorruption)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}
