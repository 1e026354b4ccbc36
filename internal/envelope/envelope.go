// Package envelope defines the canonical result value passed across every
// component boundary in the fabric: metadata, records, and per-record
// provenance. Envelopes are immutable once returned by an agent.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/agentic-task-fabric/internal/jsonx"
)

// Status of an envelope.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// ReformulationAttempt records one filter-relaxation step taken after an
// empty retrieval.
type ReformulationAttempt struct {
	Reason      string                 `json:"reason"`
	Filters     map[string]interface{} `json:"filters"`
	ResultCount int                    `json:"result_count"`
}

// Summary describes a truncated result set grouped by a key column.
type Summary struct {
	GroupBy  string         `json:"group_by"`
	Counts   map[string]int `json:"counts"`
	Returned int            `json:"returned"`
}

// Metadata carries the audit context for a set of records.
type Metadata struct {
	Source                string                 `json:"source"`
	TaskID                string                 `json:"task_id,omitempty"`
	RetrievedAt           string                 `json:"retrieved_at"`
	QueryFilters          map[string]interface{} `json:"query_filters,omitempty"`
	TotalCount            int                    `json:"total_count"`
	Limit                 int                    `json:"limit,omitempty"`
	Offset                int                    `json:"offset,omitempty"`
	Cache                 string                 `json:"cache,omitempty"`
	Fallback              string                 `json:"fallback,omitempty"`
	Truncated             bool                   `json:"truncated,omitempty"`
	Summary               *Summary               `json:"summary,omitempty"`
	ReformulationAttempts []ReformulationAttempt `json:"reformulation_attempts,omitempty"`
}

// Cache states recorded in Metadata.Cache.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Fallback modes recorded in Metadata.Fallback.
const (
	FallbackAgent         = "agent"
	FallbackReformulation = "reformulation"
	FallbackSuppressed    = "suppressed"
)

// Provenance identifies where a record came from and pins its content with
// a stable hash so downstream consumers can audit tampering.
type Provenance struct {
	Source      string                 `json:"source"`
	RowID       interface{}            `json:"row_id"`
	RowHash     string                 `json:"row_hash"`
	RetrievedAt string                 `json:"retrieved_at"`
	RawRow      map[string]interface{} `json:"raw_row,omitempty"`
}

// Record is a row plus its provenance block.
type Record struct {
	Columns    map[string]interface{} `json:"columns"`
	Provenance Provenance             `json:"provenance"`
}

// Envelope is the canonical boundary value.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Records  []Record `json:"records"`
	Status   Status   `json:"status"`
	Error    string   `json:"error,omitempty"`
}

// MetaExtra carries optional metadata supplied by the producing agent.
type MetaExtra struct {
	QueryFilters          map[string]interface{}
	TotalCount            int // pre-truncation count; 0 means len(rows)
	Limit                 int
	Offset                int
	Cache                 string
	Fallback              string
	Truncated             bool
	Summary               *Summary
	ReformulationAttempts []ReformulationAttempt
	IncludeRaw            bool
}

// RowHash computes the SHA-256 of the canonical serialization of row.
// Keys are sorted lexicographically and values use a stable JSON rendering,
// so two rows with identical content always produce identical hashes.
func RowHash(row map[string]interface{}) (string, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	b, err := jsonx.CanonicalAppend(buf.B, row)
	if err != nil {
		return "", fmt.Errorf("hash row: %w", err)
	}
	buf.B = b
	sum := sha256.Sum256(buf.B)
	return hex.EncodeToString(sum[:]), nil
}

// FromRecords builds a SUCCESS envelope from raw rows, attaching provenance
// to each record. extra may be nil.
func FromRecords(source string, rows []map[string]interface{}, taskID string, extra *MetaExtra) (Envelope, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		hash, err := RowHash(row)
		if err != nil {
			return Envelope{}, err
		}
		prov := Provenance{
			Source:      source,
			RowID:       row["id"],
			RowHash:     hash,
			RetrievedAt: now,
		}
		if extra != nil && extra.IncludeRaw {
			prov.RawRow = row
		}
		records = append(records, Record{Columns: row, Provenance: prov})
	}

	meta := Metadata{
		Source:      source,
		TaskID:      taskID,
		RetrievedAt: now,
		TotalCount:  len(records),
	}
	if extra != nil {
		meta.QueryFilters = extra.QueryFilters
		meta.Limit = extra.Limit
		meta.Offset = extra.Offset
		meta.Cache = extra.Cache
		meta.Fallback = extra.Fallback
		meta.Truncated = extra.Truncated
		meta.Summary = extra.Summary
		meta.ReformulationAttempts = extra.ReformulationAttempts
		if extra.TotalCount > 0 {
			meta.TotalCount = extra.TotalCount
		}
	}

	return Envelope{Metadata: meta, Records: records, Status: StatusSuccess}, nil
}

// FromError builds an ERROR envelope naming the failure.
func FromError(source, taskID string, err error) Envelope {
	return Envelope{
		Metadata: Metadata{
			Source:      source,
			TaskID:      taskID,
			RetrievedAt: time.Now().UTC().Format(time.RFC3339),
		},
		Records: []Record{},
		Status:  StatusError,
		Error:   err.Error(),
	}
}

// Validate checks the envelope contract. It returns nil for a well-formed
// envelope, or an error naming the first violated condition.
func Validate(env Envelope) error {
	if env.Metadata.Source == "" {
		return fmt.Errorf("envelope missing metadata.source")
	}
	ts, err := time.Parse(time.RFC3339, env.Metadata.RetrievedAt)
	if err != nil {
		return fmt.Errorf("envelope retrieved_at not RFC3339: %w", err)
	}
	if _, offset := ts.Zone(); offset != 0 {
		return fmt.Errorf("envelope retrieved_at not UTC")
	}
	for i, rec := range env.Records {
		if rec.Provenance.Source == "" || rec.Provenance.RowHash == "" {
			return fmt.Errorf("record %d missing provenance", i)
		}
	}
	if env.Status == StatusSuccess && env.Metadata.TotalCount != len(env.Records) && env.Metadata.Summary == nil {
		return fmt.Errorf("total_count %d does not match %d records and no summary block",
			env.Metadata.TotalCount, len(env.Records))
	}
	return nil
}

// StripProvenance returns the bare column maps of the envelope's records.
func StripProvenance(env Envelope) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(env.Records))
	for _, rec := range env.Records {
		rows = append(rows, rec.Columns)
	}
	return rows
}
