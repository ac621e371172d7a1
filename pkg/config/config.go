// Package config provides the opaque key/value lookup spec.md §1 treats as
// an external collaborator: the engine never parses a configuration file
// format itself, it only asks a Lookup for values by key.
package config

import (
	"os"
	"strconv"
	"time"
)

// Lookup is the minimal interface connectors and engine components
// consume to read configuration. It deliberately says nothing about file
// formats, precedence rules or reload semantics.
type Lookup interface {
	Get(key string) (string, bool)
}

// MapLookup is an in-memory Lookup backed by a plain map.
type MapLookup map[string]string

// Get implements Lookup.
func (m MapLookup) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// EnvLookup reads from the process environment with a common prefix,
// e.g. EnvLookup{Prefix: "LEXIS_"}.Get("MERGE_INTERVAL") reads $LEXIS_MERGE_INTERVAL.
type EnvLookup struct {
	Prefix string
}

// Get implements Lookup.
func (e EnvLookup) Get(key string) (string, bool) {
	return os.LookupEnv(e.Prefix + key)
}

// Int reads key as an int, falling back to def on absence or parse error.
func Int(l Lookup, key string, def int) int {
	v, ok := l.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration reads key as a time.Duration, falling back to def.
func Duration(l Lookup, key string, def time.Duration) time.Duration {
	v, ok := l.Get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Float reads key as a float64, falling back to def.
func Float(l Lookup, key string, def float64) float64 {
	v, ok := l.Get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// String reads key as a string, falling back to def.
func String(l Lookup, key string, def string) string {
	v, ok := l.Get(key)
	if !ok {
		return def
	}
	return v
}
