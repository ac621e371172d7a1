// Package memconn is a reference connector.Connector implementation
// (spec.md §6) backed by an in-memory table and change log instead of
// a real database — the SQL-dialect-specific parts the spec names as
// out of scope, so this is the shape every real connector follows
// without committing to any particular driver.
package memconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/lexis/pkg/connector"
	"github.com/cuemby/lexis/pkg/store"
	"github.com/cuemby/lexis/pkg/types"
)

// ChangeKind tags one CDC log entry.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// ChangeRecord is one entry in Source's change log.
type ChangeRecord struct {
	Seq  uint64
	Kind ChangeKind
	PK   string
	JSON string
}

// Source stands in for a source database: a table (for
// CreateNewIndexes' bulk load) plus an append-only change log (for
// RunListener's CDC polling).
type Source struct {
	mu      sync.Mutex
	rows    map[string]string
	changes []ChangeRecord
}

// NewSource returns an empty source.
func NewSource() *Source {
	return &Source{rows: make(map[string]string)}
}

// Seed adds a row to the table CreateNewIndexes bulk-loads.
func (s *Source) Seed(pk, json string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[pk] = json
}

// Append records one change, as if a trigger had just written it to
// the source database's change table.
func (s *Source) Append(kind ChangeKind, pk, json string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ChangeRecord{
		Seq: uint64(len(s.changes)) + 1, Kind: kind, PK: pk, JSON: json,
	})
}

func (s *Source) since(seq uint64) []ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChangeRecord
	for _, c := range s.changes {
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	return out
}

func (s *Source) rowsSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.rows))
	for pk, j := range s.rows {
		out[pk] = j
	}
	return out
}

type highWaterMark struct {
	LastSeq uint64 `json:"last_seq"`
}

// Connector implements connector.Connector against a Source, polling
// its change log on a fixed interval and persisting its high-water
// mark to statePath between runs.
type Connector struct {
	source    *Source
	statePath string
	server    connector.ServerInterface

	mu       sync.Mutex
	waitTime time.Duration
	lastSeq  uint64
}

// New returns a Connector reading from source and persisting its
// high-water mark at statePath.
func New(source *Source, statePath string) *Connector {
	return &Connector{source: source, statePath: statePath, waitTime: connector.DefaultListenerWaitTime}
}

// Init resolves the optional listener_wait_time_ms config key and
// restores the last-saved high-water mark, if any.
func (c *Connector) Init(server connector.ServerInterface) error {
	c.server = server

	if raw, ok := server.ConfigLookUp("listener_wait_time_ms"); ok {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			c.waitTime = time.Duration(ms) * time.Millisecond
		}
	}

	data, err := store.LoadMetadataSnapshot(c.statePath)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memconn: failed to load high-water mark: %w", err)
	}
	var hwm highWaterMark
	if err := json.Unmarshal(data, &hwm); err != nil {
		return fmt.Errorf("memconn: failed to decode high-water mark: %w", err)
	}
	c.lastSeq = hwm.LastSeq
	return nil
}

// CreateNewIndexes bulk-loads every row currently in the source table.
func (c *Connector) CreateNewIndexes() error {
	for pk, row := range c.source.rowsSnapshot() {
		if err := c.server.InsertRecord(row); err != nil {
			return fmt.Errorf("memconn: bulk ingest failed for %s: %w", pk, err)
		}
	}
	return nil
}

// RunListener polls the change log every waitTime until ctx is
// canceled, applying each new entry and persisting the high-water
// mark as it goes. A poll that fails is simply retried on the next
// tick — the fixed backoff spec.md §7 names for *Transient* errors.
func (c *Connector) RunListener(ctx context.Context) error {
	ticker := time.NewTicker(c.waitTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = c.pollOnce()
		}
	}
}

func (c *Connector) pollOnce() error {
	c.mu.Lock()
	since := c.lastSeq
	c.mu.Unlock()

	changes := c.source.since(since)
	for _, ch := range changes {
		var err error
		switch ch.Kind {
		case ChangeInsert:
			err = c.server.InsertRecord(ch.JSON)
		case ChangeUpdate:
			err = c.server.UpdateRecord(ch.PK, ch.JSON)
		case ChangeDelete:
			err = c.server.DeleteRecord(ch.PK)
		}
		if err != nil {
			return fmt.Errorf("memconn: failed to apply change seq %d: %w", ch.Seq, err)
		}
		c.mu.Lock()
		c.lastSeq = ch.Seq
		c.mu.Unlock()
	}
	if len(changes) == 0 {
		return nil
	}
	return c.SaveLastAccessedLogRecordTime()
}

// SaveLastAccessedLogRecordTime flushes the current high-water mark to
// statePath, atomically (pkg/store's write-to-temp-then-rename).
func (c *Connector) SaveLastAccessedLogRecordTime() error {
	c.mu.Lock()
	seq := c.lastSeq
	c.mu.Unlock()

	data, err := json.Marshal(highWaterMark{LastSeq: seq})
	if err != nil {
		return fmt.Errorf("memconn: failed to marshal high-water mark: %w", err)
	}
	return store.SaveMetadataSnapshot(c.statePath, data)
}
