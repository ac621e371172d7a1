// Package connector defines C14: the CDC connector contract spec.md
// §6 describes. A connector is conceptually a dynamically loaded
// module exporting create()/destroy(ptr); in Go that boundary is just
// an interface value, so this package defines the contract both sides
// agree to rather than a plugin-loading mechanism.
package connector

import (
	"context"
	"time"
)

// ServerInterface is the minimum surface a connector is handed at
// Init and drives as it discovers or observes source-database changes
// (spec.md §6).
type ServerInterface interface {
	// ConfigLookUp resolves a configuration key, mirroring the
	// spec's configLookUp(key, &out) — Go returns the value and an
	// ok bool instead of writing through an out-parameter.
	ConfigLookUp(key string) (string, bool)
	InsertRecord(json string) error
	DeleteRecord(pk string) error
	UpdateRecord(pk, json string) error
}

// Connector is the lifecycle a CDC connector implements: one-time
// setup, a bulk initial load, then an indefinitely running change
// listener (spec.md §6).
type Connector interface {
	// Init performs configLookUp-driven setup: DB connection, schema
	// discovery, whatever state the connector needs before ingest.
	Init(server ServerInterface) error

	// CreateNewIndexes performs the bulk initial ingest, driving
	// server.InsertRecord once per source row.
	CreateNewIndexes() error

	// RunListener polls the CDC log or change table until ctx is
	// canceled, translating each entry into InsertRecord/
	// UpdateRecord/DeleteRecord calls on the server interface. It
	// retries transient database errors with fixed backoff
	// (spec.md §7's *Transient* error kind) and persists a
	// high-water-mark token as it makes progress.
	RunListener(ctx context.Context) error

	// SaveLastAccessedLogRecordTime flushes the current high-water
	// mark to durable storage.
	SaveLastAccessedLogRecordTime() error
}

// DefaultListenerWaitTime is the fixed backoff between CDC poll
// attempts spec.md §7 names: "retry with backoff (default 1s,
// configurable via listenerWaitTime)".
const DefaultListenerWaitTime = time.Second
