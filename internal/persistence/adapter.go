// Package persistence mediates all table access in the fabric. Adapters
// speak to a concrete backend; the Service wraps an adapter with allowlist
// enforcement, instrumentation, and error classification; the ReadOnlyFacade
// is the surface handed to retrieval workers.
package persistence

import "context"

// Capabilities advertises what a backend can serve. Higher layers consult
// this before emitting operators the adapter would reject.
type Capabilities struct {
	EqualityFilters bool
	Ordering        bool
	Limit           bool
	Projections     bool
	Ilike           bool
	RangeOperators  bool
	InOperator      bool
	MaxBatchSize    int // 0 means unbounded
}

// QueryOptions bundles the optional knobs of Adapter.Query.
type QueryOptions struct {
	Limit   int
	Offset  int
	OrderBy string
	Desc    bool
	Select  []string
}

// Adapter is the backend-specific driver contract.
type Adapter interface {
	Write(ctx context.Context, table string, record map[string]interface{}) (map[string]interface{}, error)
	BatchWrite(ctx context.Context, table string, records []map[string]interface{}) ([]map[string]interface{}, error)
	Upsert(ctx context.Context, table string, record map[string]interface{}, onConflict []string) (map[string]interface{}, error)
	Read(ctx context.Context, table string, id interface{}, idCol string) (map[string]interface{}, error)
	Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]map[string]interface{}, error)
	GetColumns(ctx context.Context, table string) ([]string, error)
	Capabilities() Capabilities
}
