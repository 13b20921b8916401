// Package metadata loads the test catalog and the completion ledger into
// immutable keyed snapshots consumed by the transform pipeline.
package metadata

import (
	"sort"
	"strings"
	"time"
)

// Status is the outcome of parsing one input field.
type Status int

const (
	StatusOK Status = iota
	StatusDefaulted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDefaulted:
		return "defaulted"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Result carries a parsed value together with how it was obtained. A
// defaulted result holds the default value; a rejected result holds the
// zero value and must not be used.
type Result[T any] struct {
	Value  T
	Status Status
	Reason string
}

func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

func Defaulted[T any](v T, reason string) Result[T] {
	return Result[T]{Value: v, Status: StatusDefaulted, Reason: reason}
}

func Rejected[T any](reason string) Result[T] {
	return Result[T]{Status: StatusRejected, Reason: reason}
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// CatalogEntry describes a test the laboratory offers.
type CatalogEntry struct {
	TestName   string
	TAT        float64 // minutes
	LabSection string
	Price      float64
}

// Catalog is a read-only index of entries keyed by normalized test name.
type Catalog struct {
	entries map[string]CatalogEntry
}

// NormalizeTestName is the key used for every catalog insert and lookup.
func NormalizeTestName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// NewCatalog indexes entries. A later entry replaces an earlier one with the
// same normalized name.
func NewCatalog(entries ...CatalogEntry) *Catalog {
	c := &Catalog{entries: make(map[string]CatalogEntry, len(entries))}
	for _, e := range entries {
		c.entries[NormalizeTestName(e.TestName)] = e
	}
	return c
}

func (c *Catalog) Lookup(testName string) (CatalogEntry, bool) {
	e, ok := c.entries[NormalizeTestName(testName)]
	return e, ok
}

func (c *Catalog) Len() int { return len(c.entries) }

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// LedgerEntry records when the result file for a correlation key appeared.
type LedgerEntry struct {
	Key         string
	CompletedAt time.Time
}

// Ledger maps correlation keys to completion timestamps.
type Ledger struct {
	times map[string]time.Time
}

// NewLedger indexes entries, keeping the latest timestamp for duplicate keys.
func NewLedger(entries ...LedgerEntry) *Ledger {
	l := &Ledger{times: make(map[string]time.Time, len(entries))}
	for _, e := range entries {
		if cur, ok := l.times[e.Key]; !ok || e.CompletedAt.After(cur) {
			l.times[e.Key] = e.CompletedAt
		}
	}
	return l
}

func (l *Ledger) Lookup(key string) (time.Time, bool) {
	t, ok := l.times[key]
	return t, ok
}

// Latest returns the maximum completion time over keys, or nil when none of
// the keys is in the ledger.
func (l *Ledger) Latest(keys []string) *time.Time {
	var latest *time.Time
	for _, k := range keys {
		t, ok := l.times[k]
		if !ok {
			continue
		}
		if latest == nil || t.After(*latest) {
			tt := t
			latest = &tt
		}
	}
	return latest
}

func (l *Ledger) Len() int { return len(l.times) }

// Entries returns the ledger contents ordered by key.
func (l *Ledger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, 0, len(l.times))
	for k, t := range l.times {
		out = append(out, LedgerEntry{Key: k, CompletedAt: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ---------------------------------------------------------------------------
// Load report
// ---------------------------------------------------------------------------

// LoadReport counts what happened to each row and field while loading.
type LoadReport struct {
	Source    string         `json:"source"`
	Rows      int            `json:"rows"`
	Loaded    int            `json:"loaded"`
	Skipped   int            `json:"skipped"`
	Defaulted map[string]int `json:"defaulted,omitempty"`
	Rejected  map[string]int `json:"rejected,omitempty"`
}

func newLoadReport(source string) *LoadReport {
	return &LoadReport{
		Source:    source,
		Defaulted: make(map[string]int),
		Rejected:  make(map[string]int),
	}
}

func (r *LoadReport) observe(field string, s Status) {
	switch s {
	case StatusDefaulted:
		r.Defaulted[field]++
	case StatusRejected:
		r.Rejected[field]++
	}
}
