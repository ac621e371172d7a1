// Package types defines the core data structures shared by every layer of
// Lexis, the cluster-resident fuzzy/geo search core: records, schemas,
// queries, roles and the sentinel error kinds used across the engine.
package types

import (
	"errors"
	"time"
)

// Record is a single document ingested into the engine. It is created on
// ingest, mutated only by delete-then-reinsert under the same primary key,
// and destroyed on explicit delete or save/compact.
type Record struct {
	PrimaryKey string
	// Searchable holds one ordered slice of token-bearing strings per
	// searchable attribute, indexed by attribute position in the Schema.
	Searchable [][]string
	// Refining holds one typed value per refining attribute, indexed by
	// attribute position in the Schema.
	Refining []RefiningValue
	Geo      *GeoPoint
	Roles    []RoleID
	Blob     []byte
}

// GeoPoint is a record's geographic position.
type GeoPoint struct {
	X float64
	Y float64
}

// RoleID identifies a role for attribute- and record-level access control.
type RoleID uint32

// RefiningValueType enumerates the typed values a refining attribute may
// carry.
type RefiningValueType int

const (
	RefiningText RefiningValueType = iota
	RefiningInt
	RefiningLong
	RefiningFloat
	RefiningDouble
	RefiningTime
)

// RefiningValue is a typed, possibly multi-valued refining attribute value.
type RefiningValue struct {
	Type   RefiningValueType
	Text   []string
	Int    []int32
	Long   []int64
	Float  []float32
	Double []float64
	Time   []time.Time
}

// SearchableAttribute describes one searchable field of the schema.
type SearchableAttribute struct {
	Name        string
	Boost       int // [1,100]
	MultiValued bool
	Highlight   bool
	ACL         bool
}

// RefiningAttribute describes one refining field of the schema.
type RefiningAttribute struct {
	Name        string
	Type        RefiningValueType
	Default     RefiningValue
	MultiValued bool
	ACL         bool
}

// IndexType distinguishes a keyword-only index from a keyword+geo index.
type IndexType int

const (
	IndexKeyword IndexType = iota
	IndexKeywordGeo
)

// PositionIndexMode controls whether per-occurrence token positions are
// retained in the forward index (needed for phrase/slop queries).
type PositionIndexMode int

const (
	PositionIndexDisabled PositionIndexMode = iota
	PositionIndexEnabled
)

// Schema is immutable after commit.
type Schema struct {
	PrimaryKeyAttribute string
	Searchable          []SearchableAttribute
	Refining            []RefiningAttribute
	LatitudeAttribute   string
	LongitudeAttribute  string
	IndexType           IndexType
	PositionIndexMode   PositionIndexMode
}

// SearchableIndex returns the position of the named searchable attribute,
// or -1 if it does not exist.
func (s *Schema) SearchableIndex(name string) int {
	for i := range s.Searchable {
		if s.Searchable[i].Name == name {
			return i
		}
	}
	return -1
}

// RefiningIndex returns the position of the named refining attribute, or -1
// if it does not exist.
func (s *Schema) RefiningIndex(name string) int {
	for i := range s.Refining {
		if s.Refining[i].Name == name {
			return i
		}
	}
	return -1
}

// Sentinel error kinds (spec.md §7). Every caller should compare with
// errors.Is, never string matching, since these are wrapped with
// contextual detail at the point of return.
var (
	ErrValidation          = errors.New("validation error")
	ErrDuplicatePrimaryKey = errors.New("duplicate primary key")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrNotFound            = errors.New("not found")
	ErrTransient           = errors.New("transient error")
	ErrCorruption          = errors.New("corruption detected")
	ErrTimeout             = errors.New("timeout")
	ErrNodeGone            = errors.New("node gone")
	ErrPlanUnbuildable     = errors.New("query plan could not be built")
)
