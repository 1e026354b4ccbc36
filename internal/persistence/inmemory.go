package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemoryAdapter is a deterministic table store backed by ordered slices.
// It assigns auto-incrementing integer ids, matches % patterns
// case-insensitively, and breaks ordering ties by insertion order.
type InMemoryAdapter struct {
	mu     sync.RWMutex
	tables map[string][]map[string]interface{}
	nextID map[string]int
}

// NewInMemoryAdapter returns an empty in-memory store.
func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{
		tables: make(map[string][]map[string]interface{}),
		nextID: make(map[string]int),
	}
}

// Capabilities implements Adapter.
func (a *InMemoryAdapter) Capabilities() Capabilities {
	return Capabilities{
		EqualityFilters: true,
		Ordering:        true,
		Limit:           true,
		Projections:     true,
		Ilike:           true,
		RangeOperators:  true,
		InOperator:      true,
	}
}

// Seed loads rows into a table verbatim, assigning ids to rows without one.
func (a *InMemoryAdapter) Seed(table string, rows []map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range rows {
		a.insertLocked(table, row)
	}
}

func (a *InMemoryAdapter) insertLocked(table string, record map[string]interface{}) map[string]interface{} {
	row := cloneRow(record)
	if _, ok := row["id"]; !ok {
		a.nextID[table]++
		row["id"] = a.nextID[table]
	} else if n, ok := toInt(row["id"]); ok && n > a.nextID[table] {
		a.nextID[table] = n
	}
	a.tables[table] = append(a.tables[table], row)
	return cloneRow(row)
}

// Write implements Adapter.
func (a *InMemoryAdapter) Write(ctx context.Context, table string, record map[string]interface{}) (map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insertLocked(table, record), nil
}

// BatchWrite implements Adapter.
func (a *InMemoryAdapter) BatchWrite(ctx context.Context, table string, records []map[string]interface{}) ([]map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		out = append(out, a.insertLocked(table, r))
	}
	return out, nil
}

// Upsert implements Adapter. When every onConflict column of an existing row
// matches the incoming record, the record is merged into that row; otherwise
// a new row is inserted. An empty onConflict defaults to ["id"].
func (a *InMemoryAdapter) Upsert(ctx context.Context, table string, record map[string]interface{}, onConflict []string) (map[string]interface{}, error) {
	if len(onConflict) == 0 {
		onConflict = []string{"id"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, row := range a.tables[table] {
		match := true
		for _, col := range onConflict {
			want, ok := record[col]
			if !ok || !valuesEqual(row[col], want) {
				match = false
				break
			}
		}
		if match {
			for k, v := range record {
				row[k] = v
			}
			return cloneRow(row), nil
		}
	}
	return a.insertLocked(table, record), nil
}

// Read implements Adapter. A missing row returns (nil, nil).
func (a *InMemoryAdapter) Read(ctx context.Context, table string, id interface{}, idCol string) (map[string]interface{}, error) {
	if idCol == "" {
		idCol = "id"
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, row := range a.tables[table] {
		if valuesEqual(row[idCol], id) {
			return cloneRow(row), nil
		}
	}
	return nil, nil
}

// Query implements Adapter.
func (a *InMemoryAdapter) Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]map[string]interface{}, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	matched := make([]map[string]interface{}, 0)
	for _, row := range a.tables[table] {
		ok, err := rowMatches(row, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	if opts.OrderBy != "" {
		col, desc := opts.OrderBy, opts.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareValues(matched[i][col], matched[j][col]) < 0
			if desc {
				return !less && compareValues(matched[i][col], matched[j][col]) != 0
			}
			return less
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]map[string]interface{}, 0, len(matched))
	for _, row := range matched {
		if len(opts.Select) > 0 {
			projected := make(map[string]interface{}, len(opts.Select))
			for _, col := range opts.Select {
				if v, ok := row[col]; ok {
					projected[col] = v
				}
			}
			out = append(out, projected)
			continue
		}
		out = append(out, cloneRow(row))
	}
	return out, nil
}

// GetColumns implements Adapter. Unknown tables return (nil, nil).
func (a *InMemoryAdapter) GetColumns(ctx context.Context, table string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rows, ok := a.tables[table]
	if !ok {
		return nil, nil
	}
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}

func rowMatches(row map[string]interface{}, filters []Filter) (bool, error) {
	for _, f := range filters {
		v, ok := row[f.Column]
		switch f.Op {
		case OpEq:
			if !ok || !valuesEqual(v, f.Value) {
				return false, nil
			}
		case OpIlike:
			pattern, pok := f.Value.(string)
			if !pok {
				return false, fmt.Errorf("ilike pattern for %q is not a string", f.Column)
			}
			s, sok := v.(string)
			if !ok || !sok || !ilikeMatch(s, pattern) {
				return false, nil
			}
		case OpIn:
			if !ok {
				return false, nil
			}
			found := false
			for _, candidate := range f.Values {
				if valuesEqual(v, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case OpGt, OpGte, OpLt, OpLte:
			if !ok {
				return false, nil
			}
			c := compareValues(v, f.Value)
			switch f.Op {
			case OpGt:
				if c <= 0 {
					return false, nil
				}
			case OpGte:
				if c < 0 {
					return false, nil
				}
			case OpLt:
				if c >= 0 {
					return false, nil
				}
			case OpLte:
				if c > 0 {
					return false, nil
				}
			}
		default:
			return false, fmt.Errorf("unknown filter op %q", f.Op)
		}
	}
	return true, nil
}

// ilikeMatch evaluates a %-wildcard pattern case-insensitively. Patterns
// contain at most literal segments separated by %.
func ilikeMatch(s, pattern string) bool {
	s = strings.ToLower(s)
	pattern = strings.ToLower(pattern)

	segments := strings.Split(pattern, "%")
	if len(segments) == 1 {
		return s == pattern
	}

	if segments[0] != "" {
		if !strings.HasPrefix(s, segments[0]) {
			return false
		}
		s = s[len(segments[0]):]
	}
	last := segments[len(segments)-1]
	middle := segments[1 : len(segments)-1]

	for _, seg := range middle {
		if seg == "" {
			continue
		}
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}
	if last != "" {
		return strings.HasSuffix(s, last)
	}
	return true
}

func cloneRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func valuesEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	na, aok := toFloat(a)
	nb, bok := toFloat(b)
	if aok && bok {
		return na == nb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareValues orders two values: numerically when both are numbers,
// otherwise by string rendering. Nil sorts first.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	na, aok := toFloat(a)
	nb, bok := toFloat(b)
	if aok && bok {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
